// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"os"
)

func main() {
	// Execute the root command. Cobra handles parsing the arguments and
	// printing usage errors; run handlers exit with their own codes, so
	// reaching the error branch means flag or argument parsing failed.
	if err := rootCmd.Execute(); err != nil {
		os.Exit(CLIExitError)
	}
}
