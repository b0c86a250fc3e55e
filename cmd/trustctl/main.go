package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"qshield/pkg/certificate"
	"qshield/pkg/envelope"
	"qshield/pkg/evidence"
	"qshield/pkg/gateway"
	"qshield/pkg/models"

	"github.com/fatih/color"
)

// Testable variables for main()
var osExit = os.Exit

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
)

// errVerifyFailed makes a failed check exit non-zero without a second message.
var errVerifyFailed = errors.New("verification failed")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if !errors.Is(err, errVerifyFailed) {
			log.Print(err)
		}
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "hash-record":
		return hashRecord(args[1:], out)
	case "verify-chain":
		return verifyChain(args[1:], out)
	case "sign-cert":
		return signCert(args[1:], out)
	case "verify-cert":
		return verifyCert(args[1:], out)
	case "verify-envelopes":
		return verifyEnvelopes(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "trustctl commands:")
	fmt.Fprintln(out, "  hash-record --record record.json [--client-key K]")
	fmt.Fprintln(out, "  verify-chain --records chain.json [--client-key K] [--server-key S | --remote URL]")
	fmt.Fprintln(out, "  sign-cert --cert cert.json [--key K] [--out cert.signed.json]")
	fmt.Fprintln(out, "  verify-cert --cert cert.json [--key K]")
	fmt.Fprintln(out, "  verify-envelopes --envelopes envelopes.json")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func envOr(v, key string) string {
	if v != "" {
		return v
	}
	return os.Getenv(key)
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func hashRecord(args []string, out io.Writer) error {
	fs := newFlagSet("hash-record")
	recordPath := fs.String("record", "", "evidence record json")
	clientKey := fs.String("client-key", "", "client HMAC key (default $EVIDENCE_CLIENT_KEY)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key := envOr(*clientKey, "EVIDENCE_CLIENT_KEY")
	if *recordPath == "" || key == "" {
		return errors.New("record and client-key required")
	}
	var rec models.EvidenceRecord
	if err := readJSON(*recordPath, &rec); err != nil {
		return err
	}
	fmt.Fprintln(out, evidence.ComputeHash(key, rec))
	return nil
}

func verifyChain(args []string, out io.Writer) error {
	fs := newFlagSet("verify-chain")
	recordsPath := fs.String("records", "", "json array of evidence records")
	clientKey := fs.String("client-key", "", "client HMAC key (default $EVIDENCE_CLIENT_KEY)")
	serverKey := fs.String("server-key", "", "server signing key (default $EVIDENCE_SERVER_KEY)")
	remote := fs.String("remote", "", "trustd base URL to verify against instead of locally")
	token := fs.String("token", "", "service token for --remote (default $SERVICE_AUTH_TOKEN)")
	timeout := fs.Duration("timeout", 10*time.Second, "remote timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key := envOr(*clientKey, "EVIDENCE_CLIENT_KEY")
	if *recordsPath == "" || key == "" {
		return errors.New("records and client-key required")
	}
	var recs []models.EvidenceRecord
	if err := readJSON(*recordsPath, &recs); err != nil {
		return err
	}

	var res evidence.Result
	if *remote != "" {
		client := gateway.NewClient(*remote, &http.Client{Timeout: *timeout}, 0)
		client.AuthHeader, client.AuthToken = "X-Service-Token", envOr(*token, "SERVICE_AUTH_TOKEN")
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		var err error
		if res, err = client.VerifyChain(ctx, recs, key); err != nil {
			return fmt.Errorf("remote verify: %w", err)
		}
	} else {
		sk := envOr(*serverKey, "EVIDENCE_SERVER_KEY")
		if sk == "" {
			return errors.New("server-key or remote required")
		}
		res = evidence.NewVerifier(sk).VerifyChain(recs, key)
	}

	encoded, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	fmt.Fprintln(out, string(encoded))
	if !res.Valid {
		at := -1
		if res.BrokenAt != nil {
			at = *res.BrokenAt
		}
		failColor.Fprintf(out, "BROKEN at position %d of %d records\n", at, res.RecordCount)
		return errVerifyFailed
	}
	okColor.Fprintf(out, "VALID %d records\n", res.RecordCount)
	return nil
}

func signCert(args []string, out io.Writer) error {
	fs := newFlagSet("sign-cert")
	certPath := fs.String("cert", "", "certificate json")
	key := fs.String("key", "", "server signing key (default $EVIDENCE_SERVER_KEY)")
	outPath := fs.String("out", "cert.signed.json", "output path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	k := envOr(*key, "EVIDENCE_SERVER_KEY")
	if *certPath == "" || k == "" {
		return errors.New("cert and key required")
	}
	var cert models.Certificate
	if err := readJSON(*certPath, &cert); err != nil {
		return err
	}
	if cert.EvidenceHashes == nil {
		cert.EvidenceHashes = []string{}
	}
	if cert.IssuedAt.IsZero() {
		cert.IssuedAt = time.Now().UTC()
	}
	cert.EvidenceCount = len(cert.EvidenceHashes)
	cert.SignatureChain = certificate.SignatureChain(cert.EvidenceHashes, k)

	encoded, err := json.MarshalIndent(cert, "", "  ")
	if err != nil {
		return fmt.Errorf("encode signed cert: %w", err)
	}
	if err := os.WriteFile(*outPath, encoded, 0o600); err != nil {
		return fmt.Errorf("write signed cert: %w", err)
	}
	fmt.Fprintf(out, "wrote %s\n", *outPath)
	return nil
}

func verifyCert(args []string, out io.Writer) error {
	fs := newFlagSet("verify-cert")
	certPath := fs.String("cert", "", "certificate json")
	key := fs.String("key", "", "server signing key (default $EVIDENCE_SERVER_KEY)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	k := envOr(*key, "EVIDENCE_SERVER_KEY")
	if *certPath == "" || k == "" {
		return errors.New("cert and key required")
	}
	var cert models.Certificate
	if err := readJSON(*certPath, &cert); err != nil {
		return err
	}
	if !certificate.Verify(cert.SignatureChain, cert.EvidenceHashes, k) {
		failColor.Fprintf(out, "INVALID certificate %s\n", cert.ID)
		return errVerifyFailed
	}
	okColor.Fprintf(out, "VALID certificate %s (%d evidence hashes)\n", cert.ID, len(cert.EvidenceHashes))
	return nil
}

func verifyEnvelopes(args []string, out io.Writer) error {
	fs := newFlagSet("verify-envelopes")
	path := fs.String("envelopes", "", "json array of agent envelopes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return errors.New("envelopes required")
	}
	var envs []models.AgentEnvelope
	if err := readJSON(*path, &envs); err != nil {
		return err
	}
	if broken := envelope.Verify(envs); broken >= 0 {
		failColor.Fprintf(out, "BROKEN at step %d\n", broken+1)
		return errVerifyFailed
	}
	okColor.Fprintf(out, "VALID %d envelopes\n", len(envs))
	return nil
}
