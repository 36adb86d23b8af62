package proxy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ananasvpn/ananas/internal/logging"
)

// Asset location variables understood by xray and v2ray builds.
var assetEnv = []string{"XRAY_LOCATION_ASSET", "V2RAY_LOCATION_ASSET", "V2RAY_ASSET_PATH"}

// Spec describes one proxy engine launch.
type Spec struct {
	Binary     string
	ConfigPath string
	AssetDir   string
	WorkDir    string
	Env        map[string]string
}

// Supervisor launches the proxy engine. The zero value logs to
// slog.Default and drops engine output.
type Supervisor struct {
	Sink   logging.Sink
	Logger *slog.Logger
	Grace  time.Duration
}

// Command builds the engine invocation for s: `<binary> run -c <config>`.
func (s Spec) Command() Command {
	env := make(map[string]string, len(s.Env)+len(assetEnv))
	for k, v := range s.Env {
		env[k] = v
	}
	if s.AssetDir != "" {
		for _, k := range assetEnv {
			env[k] = s.AssetDir
		}
	}
	return Command{
		Path: s.Binary,
		Args: []string{"run", "-c", s.ConfigPath},
		Dir:  s.WorkDir,
		Env:  env,
	}
}

// Launch starts the proxy engine described by spec.
func (sv *Supervisor) Launch(ctx context.Context, spec Spec) (*Process, error) {
	if spec.Binary == "" {
		return nil, errors.New("proxy binary not configured")
	}
	if spec.ConfigPath == "" {
		return nil, errors.New("proxy config path not set")
	}
	c := spec.Command()
	c.Sink = sv.Sink
	c.Logger = sv.Logger
	c.Grace = sv.Grace
	return Start(ctx, c)
}
