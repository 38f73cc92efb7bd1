package conf

import (
	"os"

	"github.com/DataDog/datadog-go/statsd"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func NewLogger(env *Env) *zap.SugaredLogger {
	return env.Logger
}

func GetLogger(profile string) *zap.SugaredLogger {
	var logger *zap.Logger
	switch profile {
	case "test":
		logger = zap.NewNop()
	case "local":
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, _ = cfg.Build()
	default:
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		logger, _ = cfg.Build()
	}
	return logger.Sugar()
}

// NewStatsd returns a working client when an agent host is configured,
// a noop client otherwise so the rest of the code never has to care.
func NewStatsd(env *Env) (statsd.ClientInterface, error) {
	if env.AgentHost == "" {
		return &statsd.NoOpClient{}, nil
	}
	client, err := statsd.New(env.AgentHost, statsd.WithNamespace(env.ServiceName+"."))
	if err != nil {
		env.Logger.Warnf("Could not connect to statsd agent on %s: %s", env.AgentHost, err.Error())
		return &statsd.NoOpClient{}, nil
	}
	_ = os.Setenv("DD_SERVICE", env.ServiceName)
	return client, nil
}
