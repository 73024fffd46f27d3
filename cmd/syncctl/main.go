// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command syncctl is the operator CLI for the puzzle sync service.
//
// It talks to a running syncserver over its HTTP API:
//
//	syncctl sessions list
//	syncctl sessions get <session-id>
//	syncctl sessions complete <session-id>
//	syncctl archive list
//	syncctl --server http://sync.internal:12310 sessions list
package main

import (
	"log"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.SetFlags(0)
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}
