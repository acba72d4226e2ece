package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// runReportCommand prints the latest overnight morning report, or the
// one named by -run, plus every escalation that is still unresolved,
// whatever its level.
func runReportCommand(args []string) int {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	runID := fs.String("run", "", "print the report for this run id instead of the latest")
	asJSON := fs.Bool("json", false, "print as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	app, err := loadAppContext("cli", true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pilot report:", err)
		return 1
	}
	defer app.closer.Close()

	id := *runID
	if id == "" {
		id, err = latestReportRunID(app.paths.OvernightReportsDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "pilot report:", err)
			return 1
		}
		if id == "" {
			fmt.Println("no overnight reports found")
		}
	}

	var reportJSON json.RawMessage
	if id != "" {
		data, err := os.ReadFile(app.paths.OvernightReportFile(id))
		if err != nil {
			fmt.Fprintln(os.Stderr, "pilot report: read report:", err)
			return 1
		}
		reportJSON = data
	}

	unresolved, err := app.escalation.ListUnresolved()
	if err != nil {
		fmt.Fprintln(os.Stderr, "pilot report: list escalations:", err)
		return 1
	}

	if jsonOutput(*asJSON) {
		out := struct {
			RunID      string          `json:"run_id,omitempty"`
			Report     json.RawMessage `json:"report,omitempty"`
			Unresolved int             `json:"unresolved_escalations"`
		}{RunID: id, Report: reportJSON, Unresolved: len(unresolved)}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return boolToExit(enc.Encode(out) == nil)
	}

	if reportJSON != nil {
		fmt.Println(string(reportJSON))
	}
	fmt.Printf("%d unresolved escalation(s)\n", len(unresolved))
	for _, s := range unresolved {
		fmt.Printf("  - %s/%s level=%s\n", s.EventType, s.SessionID, s.Level)
	}
	return 0
}

func latestReportRunID(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	type stamped struct {
		id  string
		mod int64
	}
	var files []stamped
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, stamped{id: trimJSONExt(e.Name()), mod: info.ModTime().UnixNano()})
	}
	if len(files) == 0 {
		return "", nil
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod < files[j].mod })
	return files[len(files)-1].id, nil
}

func trimJSONExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}

func boolToExit(ok bool) int {
	if ok {
		return 0
	}
	return 1
}
