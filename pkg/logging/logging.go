// Package logging builds the service's zap loggers.
package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dripflow/dripflow/pkg/config"
)

// New returns a json production logger or, for format "console", a development logger.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if strings.EqualFold(cfg.Format, "console") {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return nil, err
		}
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	return zcfg.Build()
}

// Identity logs an email as a short stable hash so the same participant can be followed
// across log lines without writing the address itself.
func Identity(email string) zap.Field {
	return zap.String("identity", HashIdentity(email))
}

func HashIdentity(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(email))
	return "hash:" + hex.EncodeToString(sum[:])[:12]
}
