package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/claimsdesk/formledger/internal/catalog"
)

const defaultAddr = "http://localhost:8080"

func main() {
	exitFn(run(os.Args, os.Stdout, os.Stderr))
}

var exitFn = os.Exit

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "validate":
		return handleValidate(args[2:], stdout, stderr)
	case "session":
		return handleSession(args[2:], stdout, stderr)
	case "catalog":
		return handleCatalog(args[2:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

func handleValidate(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOrDefault("FORMLEDGER_ADDR", defaultAddr), "FormLedger API address")
	context := fs.String("context", "", "extra context handed to the reviewer")
	jsonOut := fs.Bool("json", false, "print raw JSON response")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}

	if fs.NArg() != 2 {
		fmt.Fprintln(stderr, "validate requires <field_type> <value>")
		fs.Usage()
		return 2
	}

	body := map[string]string{
		"field_type": fs.Arg(0),
		"value":      fs.Arg(1),
	}
	if *context != "" {
		body["context"] = *context
	}

	respBody, status, err := httpPost(http.DefaultClient, *addr+"/v1/validate", "", body)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if status != http.StatusOK {
		fmt.Fprintf(stderr, "validate failed: %s\n", strings.TrimSpace(string(respBody)))
		return 1
	}

	if *jsonOut {
		_, _ = stdout.Write(respBody)
		return 0
	}

	var payload struct {
		Status        string `json:"status"`
		Justification string `json:"justification"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}

	if payload.Justification != "" {
		fmt.Fprintf(stdout, "status=%s justification=%s\n", payload.Status, payload.Justification)
	} else {
		fmt.Fprintf(stdout, "status=%s\n", payload.Status)
	}
	if payload.Status == "success" {
		return 0
	}
	return 1
}

func handleSession(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	switch args[0] {
	case "open":
		return handleSessionOpen(args[1:], stdout, stderr)
	case "close":
		return handleSessionClose(args[1:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

func handleSessionOpen(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("session open", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOrDefault("FORMLEDGER_ADDR", defaultAddr), "FormLedger API address")
	formType := fs.String("form-type", "", "form type (defaults to EWYP)")
	caseRef := fs.String("case-ref", "", "external case reference")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}

	body := map[string]string{}
	if *formType != "" {
		body["form_type"] = *formType
	}
	if *caseRef != "" {
		body["case_ref"] = *caseRef
	}

	respBody, status, err := httpPost(http.DefaultClient, *addr+"/v1/sessions", "", body)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if status != http.StatusCreated {
		fmt.Fprintf(stderr, "session open failed: %s\n", strings.TrimSpace(string(respBody)))
		return 1
	}

	var payload struct {
		SessionID    string `json:"session_id"`
		SessionToken string `json:"session_token"`
		ExpiresAt    string `json:"expires_at"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}
	fmt.Fprintf(stdout, "session_id=%s token=%s expires_at=%s\n", payload.SessionID, payload.SessionToken, payload.ExpiresAt)
	return 0
}

func handleSessionClose(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("session close", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOrDefault("FORMLEDGER_ADDR", defaultAddr), "FormLedger API address")
	token := fs.String("token", os.Getenv("FORMLEDGER_TOKEN"), "session bearer token")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "session close requires <session_id>")
		fs.Usage()
		return 2
	}
	sessionID := fs.Arg(0)

	respBody, status, err := httpPost(http.DefaultClient, *addr+"/v1/sessions/"+sessionID+"/close", *token, nil)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if status != http.StatusOK {
		fmt.Fprintf(stderr, "session close failed: %s\n", strings.TrimSpace(string(respBody)))
		return 1
	}
	fmt.Fprintf(stdout, "closed session_id=%s\n", sessionID)
	return 0
}

func handleCatalog(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	switch args[0] {
	case "lint":
		fs := flag.NewFlagSet("catalog lint", flag.ContinueOnError)
		fs.SetOutput(stderr)
		if err := fs.Parse(args[1:]); err != nil {
			fs.Usage()
			return 2
		}
		if fs.NArg() != 1 {
			fmt.Fprintln(stderr, "catalog lint requires <catalog_path>")
			fs.Usage()
			return 2
		}
		cat, err := catalog.Load(fs.Arg(0))
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		fmt.Fprintf(stdout, "ok mapped_paths=%d\n", len(cat.Mapping()))
		return 0
	default:
		usage(stderr)
		return 2
	}
}

func httpPost(client *http.Client, url string, token string, body any) ([]byte, int, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return respBody, resp.StatusCode, nil
}

func envOrDefault(key string, fallback string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallback
}

func usage(w io.Writer) {
	fmt.Fprint(w, `FormLedger CLI

Usage:
  formledger validate <field_type> <value> [--addr URL] [--context TEXT] [--json]
  formledger session open [--form-type TYPE] [--case-ref REF] [--addr URL]
  formledger session close <session_id> --token TOKEN [--addr URL]
  formledger catalog lint <catalog_path>
`)
}
