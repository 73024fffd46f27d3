// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	serverURL  string
	jsonOutput bool

	rootCmd = &cobra.Command{
		Use:   "syncctl",
		Short: "Operator CLI for the puzzle realtime sync service",
		Long: `syncctl manages collaborative puzzle sessions on a running
sync service instance: inspect live sessions, participants, and shared
state, force-complete sessions, and browse the session archive.`,
	}

	// --- Sessions ---
	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage live sessions",
	}
	sessionsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List all live sessions",
		Run:   runSessionsList,
	}
	sessionsGetCmd = &cobra.Command{
		Use:   "get [session-id]",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		Run:   runSessionsGet,
	}
	sessionsParticipantsCmd = &cobra.Command{
		Use:   "participants [session-id]",
		Short: "Show a session's participants with presence",
		Args:  cobra.ExactArgs(1),
		Run:   runSessionsParticipants,
	}
	sessionsStateCmd = &cobra.Command{
		Use:   "state [session-id]",
		Short: "Show a session's current shared state snapshot",
		Args:  cobra.ExactArgs(1),
		Run:   runSessionsState,
	}
	sessionsCompleteCmd = &cobra.Command{
		Use:   "complete [session-id]",
		Short: "Mark a session completed and retire it",
		Args:  cobra.ExactArgs(1),
		Run:   runSessionsComplete,
	}
	sessionsHistoryCmd = &cobra.Command{
		Use:   "history [session-id] [resource-id]",
		Short: "Replay the mutation history of one resource",
		Args:  cobra.ExactArgs(2),
		Run:   runSessionsHistory,
	}

	// --- Archive ---
	archiveCmd = &cobra.Command{
		Use:   "archive",
		Short: "Browse retired sessions",
	}
	archiveListCmd = &cobra.Command{
		Use:   "list",
		Short: "List archived sessions",
		Run:   runArchiveList,
	}
	archiveGetCmd = &cobra.Command{
		Use:   "get [session-id]",
		Short: "Show one archived session",
		Args:  cobra.ExactArgs(1),
		Run:   runArchiveGet,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		"http://localhost:12310", "Base URL of the sync service")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output raw JSON for scripting")

	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsGetCmd)
	sessionsCmd.AddCommand(sessionsParticipantsCmd)
	sessionsCmd.AddCommand(sessionsStateCmd)
	sessionsCmd.AddCommand(sessionsCompleteCmd)
	sessionsCmd.AddCommand(sessionsHistoryCmd)

	rootCmd.AddCommand(archiveCmd)
	archiveCmd.AddCommand(archiveListCmd)
	archiveCmd.AddCommand(archiveGetCmd)
}
