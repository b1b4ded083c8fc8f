package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kokukuma/mdoc-holder/internal/app"
	"github.com/kokukuma/mdoc-holder/internal/config"
	"github.com/kokukuma/mdoc-holder/internal/cryptoroot"
	"github.com/kokukuma/mdoc-holder/internal/display"
	"github.com/kokukuma/mdoc-holder/internal/server"
	"github.com/kokukuma/mdoc-holder/internal/wallet"
	"github.com/kokukuma/mdoc-holder/mdoc"
	"github.com/kokukuma/mdoc-holder/presentment"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := createRootCommand(os.Stdin, os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func createRootCommand(in io.Reader, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:          "wallet",
		Short:        "mdoc holder: presents documents to proximity readers",
		SilenceUsage: true,
	}
	root.PersistentFlags().AddFlagSet(config.FlagSet())
	root.SetIn(in)
	root.SetOut(out)
	root.AddCommand(createServeCommand(), createPresentCommand(), createIssueCommand())
	return root
}

func createServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serves the wallet UI over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			d := display.NewMemory()
			a, err := app.New(cfg, d)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := &http.Server{
				Addr:              cfg.HTTP.Address,
				Handler:           server.NewServer(a, d).Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logrus.Infof("Starting wallet UI at %s", cfg.HTTP.Address)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func createPresentCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "present",
		Short: "Shows an engagement QR code in the terminal and answers one reader",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			a, err := app.New(cfg, display.NewTerminal(cmd.OutOrStdout()))
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return present(ctx, a.Session, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func createIssueCommand() *cobra.Command {
	var (
		authorityDir string
		outDir       string
		name         string
		familyName   string
		givenName    string
		birthDate    string
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issues a sample mDL signed by a local issuing authority",
		Long: "Issues a sample mDL signed by a document signer of the issuing authority kept in --authority " +
			"(created on first use). Add the written files to wallet.documents and give the root certificate " +
			"to readers as trusted root.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			authority, err := cryptoroot.LoadOrCreate(authorityDir, "mdoc-holder IACA")
			if err != nil {
				return err
			}
			issuer, err := authority.DocumentSigner("mdoc-holder document signer")
			if err != nil {
				return err
			}
			elements := wallet.DemoElements()
			elements[mdoc.NameSpaceMDL][mdoc.FamilyName.Name] = familyName
			elements[mdoc.NameSpaceMDL][mdoc.GivenName.Name] = givenName
			elements[mdoc.NameSpaceMDL][mdoc.BirthDate.Name] = birthDate
			doc, err := wallet.IssueDocument(issuer, name, mdoc.DocTypeMDL, elements)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(outDir, 0o700); err != nil {
				return err
			}
			issuerSignedPath := filepath.Join(outDir, name+".hex")
			deviceKeyPath := filepath.Join(outDir, name+".pem")
			if err := doc.Save(issuerSignedPath, deviceKeyPath); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "wallet:")
			fmt.Fprintln(out, "  documents:")
			fmt.Fprintf(out, "    - displayname: %s\n", name)
			fmt.Fprintf(out, "      issuersigned: %s\n", issuerSignedPath)
			fmt.Fprintf(out, "      devicekey: %s\n", deviceKeyPath)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&authorityDir, "authority", "iaca", "Directory of the issuing authority root key and certificate")
	flags.StringVar(&outDir, "out", ".", "Directory the document is written to")
	flags.StringVar(&name, "name", "mdl", "Display name and file name of the document")
	flags.StringVar(&familyName, "family-name", "Mustermann", "family_name element")
	flags.StringVar(&givenName, "given-name", "Erika", "given_name element")
	flags.StringVar(&birthDate, "birth-date", "1971-09-01", "birth_date element")
	return cmd
}

// present runs one attempt, asking on in for document selection and consent.
func present(ctx context.Context, session *presentment.Session, in io.Reader, out io.Writer) error {
	changes, unsubscribe := session.Subscribe()
	defer unsubscribe()
	if err := session.Start(); err != nil {
		return err
	}

	lines := bufio.NewScanner(in)
	for {
		select {
		case <-ctx.Done():
			session.Cancel()
			return ctx.Err()
		case change, ok := <-changes:
			if !ok {
				return presentment.ErrSessionClosed
			}
			switch change.State {
			case presentment.StateWaitingForDocumentSelection:
				candidates := session.Candidates()
				fmt.Fprintf(out, "Reader: %s\n", readerOf(candidates))
				for i, c := range candidates {
					fmt.Fprintf(out, "[%d] %s (%s)\n", i, c.DisplayName, c.DocType)
				}
				fmt.Fprint(out, "Select a document: ")
				index, err := strconv.Atoi(readLine(lines))
				if err != nil {
					index = -1
				}
				if err := session.SelectDocument(index); err != nil {
					session.Cancel()
					return err
				}
			case presentment.StateWaitingForConsent:
				fmt.Fprintf(out, "Share the requested data with the reader (%s)? [y/N] ", readerOf(session.Candidates()))
				answer := strings.ToLower(readLine(lines))
				if err := session.Consent(answer == "y" || answer == "yes"); err != nil {
					return err
				}
			case presentment.StateCompleted:
				fmt.Fprintln(out, "Presentment completed")
				return nil
			case presentment.StateIdle:
				if change.Previous == presentment.StateIdle {
					continue
				}
				if change.Err != nil {
					return change.Err
				}
				fmt.Fprintln(out, "Presentment declined")
				return nil
			}
		}
	}
}

// readerOf names the reader behind the first requested document.
func readerOf(candidates []presentment.Candidate) string {
	if len(candidates) == 0 || candidates[0].Reader == "" {
		return presentment.ReaderUnverified
	}
	return candidates[0].Reader
}

func readLine(lines *bufio.Scanner) string {
	if !lines.Scan() {
		return ""
	}
	return strings.TrimSpace(lines.Text())
}
