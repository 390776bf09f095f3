// Command function runs the Cloud Function locally with the functions framework.
package main

import (
	"os"

	"github.com/GoogleCloudPlatform/functions-framework-go/funcframework"
	"github.com/tokenissuer/tokenissuer"
	"github.com/tokenissuer/tokenissuer/internal/logging"
)

func main() {
	logger := logging.NewLogger(logging.WithService("tokenissuer-function"))

	if err := ensureFunctionTarget(); err != nil {
		logger.Fatal("failed to set FUNCTION_TARGET", "error", err.Error())
	}

	port := listenPort()
	logger.Info("starting functions framework", "port", port, "target", os.Getenv("FUNCTION_TARGET"))
	if err := funcframework.Start(port); err != nil {
		logger.Fatal("functions framework stopped", "error", err.Error())
	}
}

// ensureFunctionTarget points the framework at CreateSignedJWT unless
// FUNCTION_TARGET is already set.
func ensureFunctionTarget() error {
	if os.Getenv("FUNCTION_TARGET") != "" {
		return nil
	}
	return os.Setenv("FUNCTION_TARGET", tokenissuer.FunctionName)
}

func listenPort() string {
	if port := os.Getenv("PORT"); port != "" {
		return port
	}
	return "8080"
}
