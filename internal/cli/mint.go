package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tokenissuer/tokenissuer/internal/api"
	"github.com/tokenissuer/tokenissuer/internal/client"
	"github.com/tokenissuer/tokenissuer/internal/issuer"
	"github.com/tokenissuer/tokenissuer/internal/logging"
)

// mintCmd represents the mint command
var mintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Mint a BigQuery access token from a service account key",
	Long: `Mint a BigQuery-scoped access token from a service account key file.

By default the token is minted locally and printed as {"jwt": "..."}. With
--endpoint the key is posted to a deployed issuer instead and the remote
answer is printed. Failures are printed as {"error": "..."}.

Examples:
  tokenissuer mint --key-file key.json
  cat key.json | tokenissuer mint --key-file -
  tokenissuer mint --key-file key.json --endpoint https://issuer.example.com --api-key secret`,
	RunE: runMint,
}

var mintFlags struct {
	KeyFile   string
	Endpoint  string
	APIKey    string
	IssuePath string
	Timeout   time.Duration
}

func init() {
	mintCmd.Flags().StringVarP(&mintFlags.KeyFile, "key-file", "k", "", "Service account key file (- for stdin)")
	mintCmd.Flags().StringVar(&mintFlags.Endpoint, "endpoint", "", "Base URL of a remote issuer")
	mintCmd.Flags().StringVar(&mintFlags.APIKey, "api-key", os.Getenv("TOKENISSUER_API_KEY"), "API key for the remote issuer")
	mintCmd.Flags().StringVar(&mintFlags.IssuePath, "issue-path", "/", "Issue path on the remote issuer")
	mintCmd.Flags().DurationVar(&mintFlags.Timeout, "timeout", 30*time.Second, "Request timeout")
	_ = mintCmd.MarkFlagRequired("key-file")

	RootCmd.AddCommand(mintCmd)
}

func runMint(cmd *cobra.Command, args []string) error {
	keyJSON, err := readKeyFile(cmd.InOrStdin(), mintFlags.KeyFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), mintFlags.Timeout)
	defer cancel()

	var token string
	if mintFlags.Endpoint != "" {
		token, err = mintRemote(ctx, keyJSON)
	} else {
		token, err = mintLocal(ctx, cmd.ErrOrStderr(), keyJSON)
	}
	if err != nil {
		message := err.Error()
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			message = apiErr.Message
		}
		_ = writeJSON(cmd.OutOrStdout(), api.ErrorResponse{Error: message})
		return err
	}
	return writeJSON(cmd.OutOrStdout(), api.IssueResponse{JWT: token})
}

func readKeyFile(stdin io.Reader, path string) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("key file %s does not contain valid JSON", path)
	}
	return json.RawMessage(data), nil
}

func mintLocal(ctx context.Context, logOutput io.Writer, keyJSON json.RawMessage) (string, error) {
	level := logging.LevelWarn
	if globalFlags.Verbose {
		level = logging.LevelDebug
	}
	logger := logging.NewLogger(logging.WithOutput(logOutput), logging.WithLevel(level))

	token, err := issuer.New(issuer.WithLogger(logger)).Issue(ctx, keyJSON)
	if err != nil {
		_, message := api.ClassifyError(err)
		return "", fmt.Errorf("%s", message)
	}
	return token.Token, nil
}

func mintRemote(ctx context.Context, keyJSON json.RawMessage) (string, error) {
	c := client.New(mintFlags.Endpoint,
		client.WithAPIKey(mintFlags.APIKey),
		client.WithIssuePath(mintFlags.IssuePath),
		client.WithTimeout(mintFlags.Timeout),
	)
	defer c.Close()

	return c.Issue(ctx, keyJSON)
}
