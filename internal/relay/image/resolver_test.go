package image

import (
	"context"
	"errors"
	"testing"
	"time"

	"relayctl/internal/adapter/fake"
	"relayctl/internal/relay"
)

var demoSite = relay.Site{Name: "demo-01", Kind: relay.SiteLocal, Version: "2.5.0-2025.12.22"}

func TestResolveAutoPrefersLocalBuild(t *testing.T) {
	rt := fake.NewContainerRuntime()
	builder := fake.NewImageBuilder(rt, LocalRef)
	builder.SetAvailable(true)

	img, err := New(builder, rt).Resolve(t.Context(), demoSite, Request{Mode: relay.ImageModeAuto})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if img.Origin != relay.OriginBuilt || img.Ref != LocalRef || img.Version != demoSite.Version {
		t.Fatalf("Resolve() = %+v", img)
	}
	if n := len(rt.Calls("ImagePull")); n != 0 {
		t.Fatalf("ImagePull called %d times", n)
	}
	builds := builder.Calls("Build")
	if len(builds) != 1 || builds[0].Args[0] != demoSite.Version {
		t.Fatalf("Build calls = %v", builds)
	}
}

func TestResolveAutoFallsBackToPull(t *testing.T) {
	rt := fake.NewContainerRuntime()
	builder := fake.NewImageBuilder(rt, LocalRef)

	img, err := New(builder, rt).Resolve(t.Context(), demoSite, Request{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	want := "docker.io/checkmk/check-mk-relay:2.5.0-2025.12.22"
	if img.Origin != relay.OriginPulled || img.Ref != want {
		t.Fatalf("Resolve() = %+v, want pulled %s", img, want)
	}
	if n := len(builder.Calls("Build")); n != 0 {
		t.Fatalf("Build called %d times", n)
	}
}

func TestResolveForceBuildNeverPulls(t *testing.T) {
	rt := fake.NewContainerRuntime()
	builder := fake.NewImageBuilder(rt, LocalRef)

	_, err := New(builder, rt).Resolve(t.Context(), demoSite, Request{Mode: relay.ImageModeBuild})
	if !errors.Is(err, relay.ErrImageResolution) {
		t.Fatalf("Resolve() error = %v, want ErrImageResolution", err)
	}
	if !errors.Is(err, fake.ErrNoCheckout) {
		t.Fatalf("Resolve() error = %v, want cause ErrNoCheckout", err)
	}
	if n := len(rt.Calls("ImagePull")); n != 0 {
		t.Fatalf("ImagePull called %d times in force-build mode", n)
	}

	var ire *relay.ImageResolutionError
	if !errors.As(err, &ire) || ire.Mode != relay.ImageModeBuild {
		t.Fatalf("error = %#v", err)
	}
}

func TestResolveForceBuildWithoutBuilder(t *testing.T) {
	rt := fake.NewContainerRuntime()
	_, err := New(nil, rt).Resolve(t.Context(), demoSite, Request{Mode: relay.ImageModeBuild})
	if !errors.Is(err, ErrNoBuildContext) {
		t.Fatalf("Resolve() error = %v, want ErrNoBuildContext", err)
	}
}

func TestResolveForcePullNeverBuilds(t *testing.T) {
	rt := fake.NewContainerRuntime()
	builder := fake.NewImageBuilder(rt, LocalRef)
	builder.SetAvailable(true)
	rt.FailAlways(fake.FaultRuntimeImagePull, errors.New("manifest unknown"))

	_, err := New(builder, rt).Resolve(t.Context(), demoSite, Request{Mode: relay.ImageModePull})
	if !errors.Is(err, relay.ErrImageResolution) {
		t.Fatalf("Resolve() error = %v, want ErrImageResolution", err)
	}
	if n := len(builder.Calls("")); n != 0 {
		t.Fatalf("builder called %d times in force-pull mode", n)
	}
}

func TestResolveVersionMismatch(t *testing.T) {
	rt := fake.NewContainerRuntime()
	r := New(nil, rt)

	_, err := r.Resolve(t.Context(), demoSite, Request{Version: "2.4.0p1"})
	if !errors.Is(err, relay.ErrImageVersionMismatch) {
		t.Fatalf("Resolve() error = %v, want ErrImageVersionMismatch", err)
	}
	if n := len(rt.Calls("ImagePull")); n != 0 {
		t.Fatalf("ImagePull called %d times before version check", n)
	}

	img, err := r.Resolve(t.Context(), demoSite, Request{Version: "2.4.0p1", AllowMismatch: true})
	if err != nil {
		t.Fatalf("Resolve() with override error = %v", err)
	}
	if img.Version != "2.4.0p1" {
		t.Fatalf("Resolve() version = %q, want 2.4.0p1", img.Version)
	}
}

func TestResolveRequiresVersion(t *testing.T) {
	rt := fake.NewContainerRuntime()
	_, err := New(nil, rt).Resolve(t.Context(), relay.Site{Name: "x"}, Request{})
	if !errors.Is(err, relay.ErrImageResolution) {
		t.Fatalf("Resolve() error = %v, want ErrImageResolution", err)
	}
}

func TestResolvePullTimeout(t *testing.T) {
	rt := fake.NewContainerRuntime()
	rt.ImagePullHook = func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}

	_, err := New(nil, rt, WithPullTimeout(10*time.Millisecond)).Resolve(t.Context(), demoSite, Request{Mode: relay.ImageModePull})
	if !errors.Is(err, relay.ErrTimeout) || !errors.Is(err, relay.ErrImageResolution) {
		t.Fatalf("Resolve() error = %v, want timed out image resolution error", err)
	}
	var te *relay.TimeoutError
	if !errors.As(err, &te) || te.After != 10*time.Millisecond || te.Pod != "" {
		t.Fatalf("Resolve() error = %#v, want pull timeout after 10ms", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Resolve() error = %v, want context.DeadlineExceeded kept", err)
	}
}

func TestPullRef(t *testing.T) {
	tests := []struct {
		registry string
		version  string
		want     string
	}{
		{DefaultRegistry, "2.5.0-2025.12.22", "docker.io/checkmk/check-mk-relay:2.5.0-2025.12.22"},
		{"registry.example.com:5000/cmk", "2.4.0p1", "registry.example.com:5000/cmk/check-mk-relay:2.4.0p1"},
	}
	for _, tt := range tests {
		if got := PullRef(tt.registry, tt.version); got != tt.want {
			t.Fatalf("PullRef(%q, %q) = %q, want %q", tt.registry, tt.version, got, tt.want)
		}
	}
}
