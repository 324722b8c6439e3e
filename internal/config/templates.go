package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

const templateHeader = `# eslctl configuration. Durations are Go duration strings ("250ms", "9h").
# Keys left out keep their built-in defaults.

`

// Template renders cfg in the file format Load reads.
func Template(cfg Config) ([]byte, error) {
	out, err := toml.Marshal(toFile(cfg))
	if err != nil {
		return nil, fmt.Errorf("render config template: %w", err)
	}
	return append([]byte(templateHeader), out...), nil
}

// WriteTemplate writes the default configuration to path.
func WriteTemplate(path string, overwrite bool) error {
	data, err := Template(Default())
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, data, 0o600)
}

func toFile(cfg Config) fileConfig {
	return fileConfig{
		Log: logTable{
			Level:     cfg.Log.Level.String(),
			Timestamp: cfg.Log.Timestamp,
			NoColor:   cfg.Log.NoColor,
			JSON:      cfg.Log.Bypass,
		},
		Session: sessionTable{
			SendTimeout:     cfg.Session.SendTimeout.String(),
			CommandTimeout:  cfg.Session.CommandTimeout.String(),
			EventTimeout:    cfg.Session.EventTimeout.String(),
			WriteTimeout:    cfg.Session.WriteTimeout.String(),
			LingerDelay:     cfg.Session.LingerDelay.String(),
			DisconnectDelay: cfg.Session.DisconnectDelay.String(),
			ReadBufferSize:  cfg.Session.ReadBufferSize,
			MaxHeaderBytes:  cfg.Session.MaxHeaderBytes,
			MaxBodyBytes:    cfg.Session.MaxBodyBytes,
		},
		Client: clientTable{
			Address:           cfg.Client.Address,
			Password:          cfg.Client.Password,
			ConnectTimeout:    cfg.Client.ConnectTimeout.String(),
			AuthTimeout:       cfg.Client.AuthTimeout.String(),
			Events:            cfg.Client.Events,
			BackoffInitial:    cfg.Client.Backoff.InitialDelay.String(),
			BackoffMultiplier: cfg.Client.Backoff.Multiplier,
			BackoffMax:        cfg.Client.Backoff.MaxDelay.String(),
		},
		Server: serverTable{
			Listen:         cfg.Server.ListenAddr,
			AllEvents:      cfg.Server.AllEvents,
			MyEvents:       cfg.Server.MyEvents,
			MaxConnections: cfg.Server.MaxConnections,
		},
		Admin: adminTable{
			Enabled:         cfg.Admin.Enabled,
			Addr:            cfg.Admin.Addr,
			ID:              cfg.Admin.ID,
			CorsOrigins:     cfg.Admin.CorsOrigins,
			TrustedProxies:  cfg.Admin.TrustedProxies,
			Token:           cfg.Admin.Token,
			RelayAPITimeout: cfg.RelayAPITimeout.String(),
		},
	}
}
