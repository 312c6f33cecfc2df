// SPDX-License-Identifier: AGPL-3.0-or-later

// Command daokit is the operator CLI entry point (spec §6).
package main

import (
	"os"

	"github.com/daokit/daokit-go/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
