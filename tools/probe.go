package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/opsrelay/infrabridge/manifest"
	"github.com/opsrelay/infrabridge/registry"
	"github.com/opsrelay/infrabridge/toolkit"
)

const probeTimeout = 30 * time.Second

type ProbeResult struct {
	Host    string   `json:"host"`
	Arch    string   `json:"arch"`
	Found   []string `json:"found"`
	Missing []string `json:"missing"`
	// Unavailable lists the remote tools that cannot run on the host.
	Unavailable []string `json:"unavailable_tools"`
}

// Probe checks a host for the programs used by the remote tools of every
// known service, loaded or not.
func Probe(bundles map[string]*manifest.Bundle, deps Deps) registry.Tool {
	deps = deps.withDefaults()
	req := toolkit.Collect(bundles, true)
	def := registry.Definition{
		Name:        "remote_probe",
		Description: "Check which programs used by remote service tools are installed on a host, and report its architecture.",
		InputSchema: transferSchema(nil, map[string]*jsonschema.Schema{
			"service": stringProp("Only check the programs of this service"),
		}),
	}
	return registry.NewFunc(def, func(ctx context.Context, args map[string]any) (registry.Result, error) {
		if deps.Remote == nil {
			return registry.Result{}, ErrNoRemote
		}
		wanted := req
		if svc := stringArg(args, "service"); svc != "" {
			bundle, ok := bundles[svc]
			if !ok {
				return registry.Failure("unknown service: %s", svc), nil
			}
			wanted = toolkit.Collect(map[string]*manifest.Bundle{svc: bundle}, true)
		}
		programs := wanted.Programs()
		if len(programs) == 0 {
			return registry.Failure("no remote tools to probe for"), nil
		}

		params := targetParams(args)
		res, err := deps.Remote.Run(ctx, params, toolkit.ProbeCommand(programs), probeTimeout)
		if err != nil {
			return registry.Result{}, fmt.Errorf("probe %s: %w", params.Host, err)
		}
		missing, arch := toolkit.ParseProbeOutput(res.Stdout, programs)
		if norm, err := toolkit.NormalizeArch(arch); err == nil {
			arch = norm
		}

		out := ProbeResult{Host: params.Host, Arch: arch, Found: []string{}, Missing: missing, Unavailable: []string{}}
		gone := map[string]bool{}
		for _, prog := range missing {
			gone[prog] = true
			out.Unavailable = append(out.Unavailable, wanted[prog]...)
		}
		for _, prog := range programs {
			if !gone[prog] {
				out.Found = append(out.Found, prog)
			}
		}
		deps.Logger.Info("probe", "host", params.Host, "arch", arch, "missing", len(missing))
		return jsonResult(out)
	})
}
