package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kestrelweb/novelforge/internal/logger"
	"github.com/kestrelweb/novelforge/internal/output"
	"github.com/kestrelweb/novelforge/pkg/config"
	"github.com/kestrelweb/novelforge/pkg/store"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Dump a previously crawled document and its chapters to stdout",
	RunE:  runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	flags := exportCmd.Flags()
	flags.String("config", "", "config name the document was crawled under (required)")
	flags.String("book-id", "", "book id used during the crawl (required)")
	flags.String("format", "json", "output format: json, jsonl, yaml")
	flags.String("output", "", "output file (default: stdout)")

	_ = exportCmd.MarkFlagRequired("config")
	_ = exportCmd.MarkFlagRequired("book-id")
}

// exportedChapter flattens a store.Chapter for serialization without
// dragging the document's own fields into each row.
type exportedChapter struct {
	ChapterNum int    `json:"chapter_num"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	WordCount  int    `json:"word_count"`
}

type exportedDocument struct {
	Title    string            `json:"title"`
	Author   string            `json:"author,omitempty"`
	Chapters []exportedChapter `json:"chapters"`
}

func runExport(cmd *cobra.Command, args []string) error {
	logger.Init(logger.Options{Debug: viper.GetBool("debug"), Quiet: viper.GetBool("quiet")})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configName, _ := cmd.Flags().GetString("config")
	bookID, _ := cmd.Flags().GetString("book-id")

	loader, err := config.NewLoader(viper.GetString("configs_dir"))
	if err != nil {
		logError("failed to load configs: %v", err)
		return err
	}
	cfg, found := loader.Get(configName)
	if !found {
		return fmt.Errorf("config %q not found", configName)
	}

	dsn := viper.GetString("database_url")
	if dsn == "" {
		return fmt.Errorf("--database-url (or NOVELFORGE_DATABASE_URL) is required")
	}
	st, err := store.Open(ctx, store.DefaultConfig(dsn))
	if err != nil {
		logError("failed to open document store: %v", err)
		return err
	}
	defer st.Close()

	sourceURL, ok := cfg.BuildURL("document", map[string]string{"book_id": bookID})
	if !ok {
		sourceURL = cfg.Site.BaseURL + "/" + bookID
	}

	doc, err := st.GetDocumentBySourceURL(ctx, sourceURL)
	if err != nil {
		logError("document not found: %v", err)
		return err
	}
	chapters, err := st.ListChapters(ctx, doc.ID)
	if err != nil {
		logError("failed to list chapters: %v", err)
		return err
	}

	outFile := os.Stdout
	if path, _ := cmd.Flags().GetString("output"); path != "" {
		f, err := os.Create(path) //#nosec G304 -- CLI tool writes to user-specified output file
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		outFile = f
	}

	formatStr, _ := cmd.Flags().GetString("format")
	writer, err := output.NewWriter(outFile, output.Format(formatStr))
	if err != nil {
		logError("unsupported format: %v", err)
		return err
	}
	defer func() { _ = writer.Close() }()

	result := exportedDocument{Title: doc.Title, Author: doc.Author}
	for _, c := range chapters {
		result.Chapters = append(result.Chapters, exportedChapter{
			ChapterNum: c.ChapterNum, Title: c.Title, Content: c.Content, WordCount: c.WordCount,
		})
	}

	if err := writer.Write(result); err != nil {
		logError("failed to write output: %v", err)
		return err
	}
	return nil
}
