package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/pilot-run/pilot/internal/config"
	"github.com/pilot-run/pilot/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print the diagnosis as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	repoRoot, err := config.FindRepoRoot(".")
	if err != nil {
		fmt.Fprintln(os.Stderr, "pilot doctor:", err)
		return 1
	}
	paths := config.Resolve(repoRoot)

	diag := doctor.Run(ctx, paths, Version)

	if jsonOutput(*asJSON) {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintln(os.Stderr, "pilot doctor: encode:", err)
			return 1
		}
	} else {
		for _, r := range diag.Results {
			icon := "?"
			switch r.Status {
			case "PASS":
				icon = "✅"
			case "WARN":
				icon = "⚠️"
			case "FAIL":
				icon = "❌"
			case "SKIP":
				icon = "⏩"
			}
			fmt.Printf("%s %-20s %s\n", icon, r.Name, r.Message)
			if r.Detail != "" {
				fmt.Printf("   %s\n", r.Detail)
			}
		}
	}

	if !diag.OK() {
		return 1
	}
	return 0
}
