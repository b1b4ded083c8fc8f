package main

import (
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/kokukuma/mdoc-holder/internal/cryptoroot"
	"github.com/kokukuma/mdoc-holder/internal/log"
	"github.com/kokukuma/mdoc-holder/internal/reader"
	"github.com/kokukuma/mdoc-holder/mdoc"
	"github.com/kokukuma/mdoc-holder/pkg/pki"
	"github.com/kokukuma/mdoc-holder/transport"
	"github.com/spf13/cobra"
)

func main() {
	if err := createRootCommand(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

type requestOptions struct {
	docType        string
	nameSpace      string
	elements       []string
	intentToRetain bool
	roots          string
	authDir        string
	readerName     string
	timeout        time.Duration
	dump           bool
	verbosity      string
}

func createRootCommand(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:          "reader",
		Short:        "mdoc reader simulator",
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.AddCommand(createRequestCommand())
	return root
}

func createRequestCommand() *cobra.Command {
	opts := requestOptions{}
	cmd := &cobra.Command{
		Use:   "request <mdoc: uri>",
		Short: "Requests a document from the holder that shows the engagement uri",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := log.Configure(opts.verbosity, "text"); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			return request(ctx, cmd.OutOrStdout(), args[0], opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.docType, "doctype", string(mdoc.DocTypeMDL), "Document type to request")
	flags.StringVar(&opts.nameSpace, "namespace", string(mdoc.NameSpaceMDL), "Name space of the requested elements")
	flags.StringSliceVar(&opts.elements, "elements", []string{"family_name", "given_name", "age_over_21"}, "Data elements to request")
	flags.BoolVar(&opts.intentToRetain, "retain", false, "Announce the intent to retain the elements")
	flags.StringVar(&opts.roots, "roots", "", "PEM file with trusted issuer roots, empty accepts self signed issuers")
	flags.StringVar(&opts.authDir, "auth", "", "Directory of the reader authentication root, created on first use. Empty sends unauthenticated requests")
	flags.StringVar(&opts.readerName, "reader-name", "mdoc reader simulator", "Common name of the reader authentication certificate")
	flags.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "How long to wait for the holder")
	flags.BoolVar(&opts.dump, "dump", false, "Dump the decoded device engagement")
	flags.StringVar(&opts.verbosity, "verbosity", "info", "Log level")
	return cmd
}

func request(ctx context.Context, out io.Writer, uri string, opts requestOptions) error {
	var roots *x509.CertPool
	if opts.roots != "" {
		var err error
		if roots, err = pki.GetRootCertificates(opts.roots); err != nil {
			return err
		}
	}

	elements := make([]mdoc.Element, 0, len(opts.elements))
	for _, name := range opts.elements {
		elements = append(elements, mdoc.Element{Namespace: mdoc.NameSpace(opts.nameSpace), Name: mdoc.ElementIdentifier(name)})
	}
	docRequest, err := mdoc.NewDocRequest(mdoc.DocType(opts.docType), elements, opts.intentToRetain)
	if err != nil {
		return err
	}

	r := reader.New(transport.Options{}, roots)
	if opts.authDir != "" {
		authority, err := cryptoroot.LoadOrCreate(opts.authDir, "mdoc-holder reader CA")
		if err != nil {
			return err
		}
		signer, err := authority.ReaderSigner(opts.readerName)
		if err != nil {
			return err
		}
		r.Authenticate(signer)
		log.Module("reader").Infof("Authenticating as %q, trust %s in wallet.readerroots",
			opts.readerName, filepath.Join(opts.authDir, "rootCert.pem"))
	}
	result, err := r.Request(ctx, uri, docRequest)
	if result != nil && opts.dump {
		spew.Fdump(out, result.Engagement)
	}
	if err != nil {
		return err
	}
	if err := r.Verify(result); err != nil {
		return err
	}

	for _, doc := range result.Response.Documents {
		fmt.Fprintf(out, "%s (verified)\n", doc.DocType)
		nameSpaces := doc.IssuerSigned.GetNameSpaces()
		sort.Slice(nameSpaces, func(i, j int) bool { return nameSpaces[i] < nameSpaces[j] })
		for _, ns := range nameSpaces {
			items, err := doc.IssuerSigned.GetIssuerSignedItems(ns)
			if err != nil {
				return err
			}
			sort.Slice(items, func(i, j int) bool { return items[i].ElementIdentifier < items[j].ElementIdentifier })
			for _, item := range items {
				fmt.Fprintf(out, "  %s/%s: %v\n", ns, item.ElementIdentifier, item.ElementValue)
			}
		}
		for ns, missing := range doc.Errors {
			for id, code := range missing {
				fmt.Fprintf(out, "  %s/%s: not returned (%d)\n", ns, id, code)
			}
		}
	}
	return nil
}
