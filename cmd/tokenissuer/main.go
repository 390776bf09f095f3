// Command tokenissuer serves, mints and audits BigQuery access tokens.
package main

import (
	"os"

	"github.com/tokenissuer/tokenissuer/internal/cli"
)

func main() {
	cli.InitCLI()
	os.Exit(cli.ExecuteWithErrorCode(os.Args[1:]))
}
