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
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/datatypes"
)

// =============================================================================
// Sessions
// =============================================================================

func runSessionsList(cmd *cobra.Command, args []string) {
	var out struct {
		Sessions []datatypes.Session `json:"sessions"`
	}
	fetch(cmd.Context(), "/v1/sessions", &out)

	if jsonOutput {
		printJSON(out.Sessions)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tPUZZLE\tSTATUS\tPARTICIPANTS\tLAST ACTIVITY")
	for _, s := range out.Sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			s.ID, s.PuzzleRef, s.Status, len(s.Participants),
			s.LastActivity.Format(time.RFC3339))
	}
	w.Flush()
}

func runSessionsGet(cmd *cobra.Command, args []string) {
	var s datatypes.Session
	fetch(cmd.Context(), "/v1/sessions/"+url.PathEscape(args[0]), &s)

	if jsonOutput {
		printJSON(s)
		return
	}
	fmt.Printf("Session:       %s\n", s.ID)
	fmt.Printf("Puzzle:        %s\n", s.PuzzleRef)
	fmt.Printf("Status:        %s\n", s.Status)
	fmt.Printf("Created:       %s\n", s.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Last activity: %s\n", s.LastActivity.Format(time.RFC3339))
	fmt.Printf("Participants:  %d\n", len(s.Participants))
	for _, p := range s.Participants {
		fmt.Printf("  - %s\n", p)
	}
}

func runSessionsParticipants(cmd *cobra.Command, args []string) {
	var out struct {
		Participants []datatypes.Participant `json:"participants"`
	}
	fetch(cmd.Context(), "/v1/sessions/"+url.PathEscape(args[0])+"/participants", &out)

	if jsonOutput {
		printJSON(out.Participants)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PARTICIPANT\tSTATUS\tLAST ACTIVE")
	for _, p := range out.Participants {
		last := "-"
		if !p.LastActiveAt.IsZero() {
			last = p.LastActiveAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.Status, last)
	}
	w.Flush()
}

func runSessionsState(cmd *cobra.Command, args []string) {
	var snap datatypes.Snapshot
	fetch(cmd.Context(), "/v1/sessions/"+url.PathEscape(args[0])+"/state", &snap)

	if jsonOutput {
		printJSON(snap)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RESOURCE\tSEQ\tVALUE")
	for _, r := range snap.Resources {
		fmt.Fprintf(w, "%s\t%d\t%s\n", r.ResourceID, r.Sequence, r.Value)
	}
	w.Flush()
}

func runSessionsComplete(cmd *cobra.Command, args []string) {
	client := newAPIClient(serverURL)
	path := "/v1/sessions/" + url.PathEscape(args[0]) + "/complete"
	if err := client.post(cmd.Context(), path, nil); err != nil {
		fatal(err)
	}
	fmt.Printf("Session %s completed.\n", args[0])
}

func runSessionsHistory(cmd *cobra.Command, args []string) {
	var out struct {
		Records []datatypes.MutationRecord `json:"records"`
	}
	path := fmt.Sprintf("/v1/sessions/%s/resources/%s/history",
		url.PathEscape(args[0]), url.PathEscape(args[1]))
	fetch(cmd.Context(), path, &out)

	if jsonOutput {
		printJSON(out.Records)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tPARTICIPANT\tTOKEN\tMUTATION\tAPPLIED")
	for _, r := range out.Records {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n",
			r.Sequence, r.ParticipantID, r.FencingToken, r.Mutation,
			r.AppliedAt.Format(time.RFC3339))
	}
	w.Flush()
}

// =============================================================================
// Archive
// =============================================================================

func runArchiveList(cmd *cobra.Command, args []string) {
	var out struct {
		Sessions []datatypes.Session `json:"sessions"`
	}
	fetch(cmd.Context(), "/v1/archive/sessions", &out)

	if jsonOutput {
		printJSON(out.Sessions)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tPUZZLE\tSTATUS\tCREATED")
	for _, s := range out.Sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			s.ID, s.PuzzleRef, s.Status, s.CreatedAt.Format(time.RFC3339))
	}
	w.Flush()
}

func runArchiveGet(cmd *cobra.Command, args []string) {
	var s datatypes.Session
	fetch(cmd.Context(), "/v1/archive/sessions/"+url.PathEscape(args[0]), &s)
	printJSON(s)
}

// =============================================================================
// Helpers
// =============================================================================

// fetch runs a GET against the configured server and exits on failure.
func fetch(ctx context.Context, path string, out any) {
	if err := newAPIClient(serverURL).get(ctx, path, out); err != nil {
		fatal(err)
	}
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(data))
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
