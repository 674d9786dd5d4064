package tools

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"testing"

	"github.com/opsrelay/infrabridge/manifest"
	"github.com/opsrelay/infrabridge/registry"
	"github.com/opsrelay/infrabridge/store"
)

func installed(t *testing.T, deps Deps) *registry.Registry {
	t.Helper()
	bundles, err := manifest.LoadEmbedded()
	if err != nil {
		t.Fatalf("LoadEmbedded() error = %v", err)
	}
	reg := registry.New(registry.WithContextStore(store.NewMemory()))
	if err := Install(reg, bundles, deps); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	return reg
}

func call(t *testing.T, reg *registry.Registry, name string, args any) registry.Result {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatal(err)
	}
	return reg.Call(context.Background(), name, raw)
}

func TestInstallRegistersBuiltinsOnly(t *testing.T) {
	reg := installed(t, Deps{})

	var names []string
	for _, def := range reg.Definitions() {
		names = append(names, def.Name)
	}
	want := []string{"load_service", "list_services", "context_get", "context_set", "remote_upload", "remote_download", "remote_probe"}
	if !slices.Equal(names, want) {
		t.Fatalf("Definitions() = %v, want %v", names, want)
	}
	if got := reg.Services(); !slices.Equal(got, []string{"ansible", "hardware", "proxmox", "security", "terraform"}) {
		t.Fatalf("Services() = %v", got)
	}
}

func TestLoadService(t *testing.T) {
	reg := installed(t, Deps{})

	res := call(t, reg, "load_service", map[string]any{"service": "ansible"})
	if !res.Success {
		t.Fatalf("load_service = %+v", res)
	}
	if !strings.Contains(res.Output, "loaded service ansible") {
		t.Fatalf("Output = %q", res.Output)
	}
	for _, name := range []string{"ansible_playbook", "ansible_list_playbooks"} {
		if _, ok := reg.Lookup(name); !ok {
			t.Fatalf("%s not registered after load", name)
		}
	}

	before := reg.Len()
	res = call(t, reg, "load_service", map[string]any{"service": "ansible"})
	if !res.Success || !strings.Contains(res.Output, "already loaded") {
		t.Fatalf("second load_service = %+v", res)
	}
	if reg.Len() != before {
		t.Fatalf("Len() = %d after reload, want %d", reg.Len(), before)
	}
}

func TestLoadServiceUnknown(t *testing.T) {
	reg := installed(t, Deps{})
	res := call(t, reg, "load_service", map[string]any{"service": "kubernetes"})
	if res.Success {
		t.Fatal("load_service(kubernetes) succeeded")
	}
	if !strings.Contains(res.Error, "unknown service") || !strings.Contains(res.Error, "terraform") {
		t.Fatalf("Error = %q, want unknown service with the available list", res.Error)
	}
}

func TestListServices(t *testing.T) {
	reg := installed(t, Deps{})
	if err := reg.LoadService(context.Background(), "hardware"); err != nil {
		t.Fatal(err)
	}
	res := call(t, reg, "list_services", map[string]any{})
	var got []serviceStatus
	if err := json.Unmarshal([]byte(res.Output), &got); err != nil {
		t.Fatalf("decode %q: %v", res.Output, err)
	}
	if len(got) != 5 {
		t.Fatalf("services = %+v", got)
	}
	for _, s := range got {
		if s.Loaded != (s.Name == "hardware") {
			t.Fatalf("service %s loaded = %v", s.Name, s.Loaded)
		}
	}
}

func TestContextRoundTrip(t *testing.T) {
	reg := installed(t, Deps{})

	res := call(t, reg, "context_set", map[string]any{"key": "last_plan", "value": map[string]any{"dir": "envs/prod", "changes": 3}})
	if !res.Success {
		t.Fatalf("context_set = %+v", res)
	}
	res = call(t, reg, "context_get", map[string]any{"key": "last_plan"})
	if !res.Success {
		t.Fatalf("context_get = %+v", res)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(res.Output), &got); err != nil {
		t.Fatalf("decode %q: %v", res.Output, err)
	}
	if got["dir"] != "envs/prod" || got["changes"] != float64(3) {
		t.Fatalf("context value = %v", got)
	}

	res = call(t, reg, "context_get", map[string]any{"key": "never_set"})
	if res.Success || !strings.Contains(res.Error, "never_set") {
		t.Fatalf("context_get(missing) = %+v", res)
	}
}

func TestContextSetRejectsEmptyKey(t *testing.T) {
	reg := installed(t, Deps{})
	res := call(t, reg, "context_set", map[string]any{"key": "  ", "value": 1})
	if res.Success {
		t.Fatal("context_set with blank key succeeded")
	}
}

func TestMissingRequiredNeverRuns(t *testing.T) {
	remote := newFakeRemote()
	reg := installed(t, Deps{Remote: remote})
	if err := reg.LoadService(context.Background(), "proxmox"); err != nil {
		t.Fatal(err)
	}
	res := call(t, reg, "proxmox_vm_power", map[string]any{"host": "pve1"})
	if res.Success || !strings.Contains(res.Error, "missing required") {
		t.Fatalf("proxmox_vm_power = %+v, want missing required", res)
	}
	if remote.callCount() != 0 {
		t.Fatalf("remote called %d times", remote.callCount())
	}
}

func TestLoadedCommandRunsThroughRegistry(t *testing.T) {
	remote := newFakeRemote()
	remote.res.Stdout = "Linux pve1 6.8.12-pve\n"
	reg := installed(t, Deps{Remote: remote})
	if err := reg.LoadService(context.Background(), "hardware"); err != nil {
		t.Fatal(err)
	}
	res := call(t, reg, "hardware_system_info", map[string]any{"host": "pve1"})
	if !res.Success || res.Output != remote.res.Stdout {
		t.Fatalf("hardware_system_info = %+v", res)
	}
}
