// Command tokengen issues an access token for the REST and WebSocket API.
package main

import (
	"fmt"
	"os"

	"github.com/KevinKickass/OpenLabCore/internal/auth"
	"github.com/KevinKickass/OpenLabCore/internal/config"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/config.yaml", "path to the YAML config file")
	subject := pflag.StringP("subject", "s", "", "token subject, e.g. a user or service name")
	role := pflag.StringP("role", "r", string(auth.RoleOperator), "operator, technician or admin")
	pflag.Parse()

	if *subject == "" {
		fmt.Fprintln(os.Stderr, "--subject is required")
		pflag.Usage()
		os.Exit(2)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if !cfg.Auth.IsProductionReady() {
		logger.Warn("Signing with the development JWT secret",
			zap.String("env", cfg.Auth.JWTSecretEnv))
	}

	r, err := auth.ParseRole(*role)
	if err != nil {
		logger.Fatal("Invalid role", zap.Error(err))
	}

	token, err := auth.NewAuthService(cfg.Auth, logger).IssueToken(*subject, r)
	if err != nil {
		logger.Fatal("Failed to issue token", zap.Error(err))
	}
	fmt.Println(token)
}
