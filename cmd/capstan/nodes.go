package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/capstanhq/capstan/pkg/canonical"
	"github.com/capstanhq/capstan/pkg/graph"
)

// defaultRegistry registers the reference executors shipped with the CLI:
//
//	echo            prints its message back (DRY_RUN, IDEMPOTENT)
//	artifact.writer writes a file under <dataDir>/artifacts (DRY_RUN, ROLLBACKABLE)
//	flaky           fails on demand, for exercising rollback paths (DRY_RUN)
func defaultRegistry(dataDir string) (*graph.Registry, error) {
	reg := graph.NewRegistry()

	err := errors.Join(
		reg.Register("echo", "1.0.0", echoFactory),
		reg.Register("artifact.writer", "1.0.0", artifactWriterFactory(filepath.Join(dataDir, "artifacts"))),
		reg.Register("flaky", "1.0.0", flakyFactory),
	)
	if err != nil {
		return nil, err
	}
	return reg, nil
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func boolParam(params map[string]any, key string) bool {
	v, _ := params[key].(bool)
	return v
}

func echoFactory(spec graph.NodeSpec) (graph.Node, error) {
	message := stringParam(spec.ExecutorParams, "message")
	return &graph.FuncNode{
		ExecuteFn: func(ctx context.Context, rc *graph.RunContext) (map[string]any, []graph.Artifact, error) {
			rc.Set(spec.NodeID+".echo", message)
			return map[string]any{"echo": message}, nil, nil
		},
		DryRunFn: func(ctx context.Context, rc *graph.RunContext) (map[string]any, []graph.Artifact, error) {
			return map[string]any{"would_echo": message}, nil, nil
		},
		Caps: graph.Caps(graph.CapDryRun, graph.CapIdempotent),
	}, nil
}

func artifactWriterFactory(dir string) graph.Factory {
	return func(spec graph.NodeSpec) (graph.Node, error) {
		name := stringParam(spec.ExecutorParams, "name")
		content := stringParam(spec.ExecutorParams, "content")
		path := filepath.Join(dir, filepath.Base(name))

		return &graph.FuncNode{
			ValidateFn: func(ctx context.Context, rc *graph.RunContext) error {
				if name == "" {
					return fmt.Errorf("artifact.writer %s: param \"name\" is required", spec.NodeID)
				}
				return nil
			},
			ExecuteFn: func(ctx context.Context, rc *graph.RunContext) (map[string]any, []graph.Artifact, error) {
				if err := os.MkdirAll(dir, 0o750); err != nil {
					return nil, nil, fmt.Errorf("create artifacts dir: %w", err)
				}
				data := []byte(content)
				if err := os.WriteFile(path, data, 0o640); err != nil {
					return nil, nil, fmt.Errorf("write artifact %s: %w", name, err)
				}
				art := graph.Artifact{
					Name:        name,
					Path:        path,
					ContentType: "text/plain",
					Digest:      "sha256:" + canonical.HashBytes(data),
				}
				return map[string]any{"path": path, "bytes": len(data)}, []graph.Artifact{art}, nil
			},
			DryRunFn: func(ctx context.Context, rc *graph.RunContext) (map[string]any, []graph.Artifact, error) {
				return map[string]any{"would_write": path, "bytes": len(content)}, nil, nil
			},
			RollbackFn: func(ctx context.Context, rc *graph.RunContext) error {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					return err
				}
				return nil
			},
			Caps: graph.Caps(graph.CapDryRun, graph.CapRollbackable),
		}, nil
	}
}

func flakyFactory(spec graph.NodeSpec) (graph.Node, error) {
	fail := boolParam(spec.ExecutorParams, "fail")
	return &graph.FuncNode{
		ExecuteFn: func(ctx context.Context, rc *graph.RunContext) (map[string]any, []graph.Artifact, error) {
			if fail {
				return nil, nil, fmt.Errorf("flaky node %s failed as configured", spec.NodeID)
			}
			return map[string]any{"ok": true}, nil, nil
		},
		DryRunFn: func(ctx context.Context, rc *graph.RunContext) (map[string]any, []graph.Artifact, error) {
			return map[string]any{"would_fail": fail}, nil, nil
		},
		Caps: graph.Caps(graph.CapDryRun),
	}, nil
}
