package config

import (
	"encoding/base64"
	"fmt"
)

// AuthMode selects the gatekeeper's token verification strategy.
const (
	AuthModeRemote = "remote"
	AuthModeLocal  = "local"
)

type Config struct {
	ServerAddr     string
	DatabaseDSN    string
	AuthMode       string
	AuthServiceURL string
	SigningKey     []byte
	InternalToken  string
	PresenceURL    string
	AllowedOrigins []string
}

type Params struct {
	ServerAddr     string
	DatabaseDSN    string
	AuthMode       string
	AuthServiceURL string
	Base64Secret   string
	InternalToken  string
	PresenceURL    string
	AllowedOrigins []string
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(p Params) (*Config, error) {
	if p.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if p.DatabaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if p.InternalToken == "" {
		return nil, fmt.Errorf("internal token cannot be empty")
	}

	cfg := &Config{
		ServerAddr:     p.ServerAddr,
		DatabaseDSN:    p.DatabaseDSN,
		AuthMode:       p.AuthMode,
		AuthServiceURL: p.AuthServiceURL,
		InternalToken:  p.InternalToken,
		PresenceURL:    p.PresenceURL,
		AllowedOrigins: p.AllowedOrigins,
	}

	switch p.AuthMode {
	case AuthModeRemote:
		if p.AuthServiceURL == "" {
			return nil, fmt.Errorf("auth service URL cannot be empty in remote mode")
		}
	case AuthModeLocal:
		if p.Base64Secret == "" {
			return nil, fmt.Errorf("signing secret cannot be empty in local mode")
		}

		signingKey, err := decodeSigningSecret(p.Base64Secret)
		if err != nil {
			return nil, fmt.Errorf("decode signing secret: %w", err)
		}
		cfg.SigningKey = signingKey
	default:
		return nil, fmt.Errorf("unknown auth mode %q", p.AuthMode)
	}

	if cfg.PresenceURL == "" {
		// default to the local presence endpoint
		cfg.PresenceURL = "http://" + p.ServerAddr + "/api/presence"
	}

	return cfg, nil
}
