package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"brokerstore/storage/journal"
	"brokerstore/storage/paging"
)

var (
	printBodies bool

	printDataCmd = &cobra.Command{
		Use:   "print-data",
		Short: "Prints the journal records and paged messages found on disk",
		Long:  "Prints every journal frame and every paged message without modifying the data directories. Run it against stopped stores.",
		RunE:  executePrintData,
	}
)

func init() {
	printDataCmd.Flags().BoolVar(&printBodies, "bodies", false, "print record and message bodies")
}

func executePrintData(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if err := printJournal(out, cfg.Journal.Dir); err != nil {
		return err
	}

	return printPages(out, cfg.Paging.Dir)
}

func printJournal(out io.Writer, dir string) error {
	refs, err := journal.ListJournalFiles(dir)
	if os.IsNotExist(errors.Cause(err)) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, ref := range refs {
		fmt.Fprintf(out, "journal file %s\n", ref.Path)

		header, err := journal.ReadFile(ref.Path, func(offset int64, r journal.Record) error {
			fmt.Fprintf(out, "  @%d %s\n", offset, r)
			if printBodies && len(r.Body) > 0 {
				fmt.Fprintf(out, "    %q\n", r.Body)
			}
			return nil
		})
		fmt.Fprintf(out, "  header id=%d version=%d cc=%d\n", header.FileID, header.Version, header.CompactCount)
		if err != nil {
			fmt.Fprintf(out, "  stopped: %v\n", err)
		}
	}

	return nil
}

func printPages(out io.Writer, dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		storeDir := filepath.Join(dir, e.Name())

		address, err := paging.ReadAddress(storeDir)
		if err != nil {
			fmt.Fprintf(out, "paging directory %s: %v\n", storeDir, err)
			continue
		}

		pages, err := paging.ListPageFiles(storeDir)
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "address %q pages=%d\n", address, len(pages))

		for _, path := range pages {
			id, msgs, err := paging.ReadPage(path)
			if err != nil {
				fmt.Fprintf(out, "  page %s: %v\n", path, err)
				continue
			}

			fmt.Fprintf(out, "  page %d messages=%d\n", id, len(msgs))
			for i, m := range msgs {
				fmt.Fprintf(out, "    %d id=%d len=%d\n", i, m.ID, len(m.Body))
				if printBodies {
					fmt.Fprintf(out, "      %q\n", m.Body)
				}
			}
		}
	}

	return nil
}
