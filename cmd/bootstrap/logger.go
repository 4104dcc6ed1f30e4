package bootstrap

import (
	"fmt"

	loggerpkg "github.com/lechuhuuha/table_forge/logger"
)

// InitLogger builds the structured logger used throughout the application.
func InitLogger(level string) (loggerpkg.Logger, func(), error) {
	baseZap, err := loggerpkg.NewProductionZap(level)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	cleanup := func() { _ = baseZap.Sync() }
	return loggerpkg.NewZapLogger(baseZap), cleanup, nil
}
