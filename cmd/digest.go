package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spigell/opportunity-radar/internal/digest"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	PromptYes = "Yes"
	PromptNo  = "No"
)

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Show the ranked opportunities that were not delivered yet",
	Run: func(cmd *cobra.Command, _ []string) {
		showDigest(cmd)
	},
}

func init() {
	rootCmd.AddCommand(digestCmd)

	digestCmd.Flags().IntP("limit", "l", digest.DefaultLimit, "maximum number of opportunities to show")
	digestCmd.Flags().Bool("mark", false, "mark the shown opportunities as delivered")
	digestCmd.Flags().BoolP("yes", "y", false, "do not ask before marking")
}

func showDigest(cmd *cobra.Command) {
	ctx := context.Background()
	log, config := setup()

	store := openStore(ctx, config, log)
	defer store.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	mark, _ := cmd.Flags().GetBool("mark")
	yes, _ := cmd.Flags().GetBool("yes")

	svc := digest.New(store, log.Named("digest"))

	entries, err := svc.Pending(ctx, limit)
	if err != nil {
		log.Fatal("building the digest", zap.Error(err))
	}

	if len(entries) == 0 {
		log.Info("nothing new to deliver")
		return
	}

	printDigest(entries)

	if !mark {
		return
	}

	if !yes {
		prompt := promptui.Select{
			Label: fmt.Sprintf("Mark %d opportunities as delivered?", len(entries)),
			Items: []string{PromptYes, PromptNo},
		}
		_, answer, err := prompt.Run()
		if err != nil {
			if errors.Is(err, promptui.ErrInterrupt) {
				return
			}
			log.Fatal("prompt failed", zap.Error(err))
		}
		if answer != PromptYes {
			return
		}
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}

	if _, err := svc.MarkDelivered(ctx, ids); err != nil {
		log.Fatal("marking delivered", zap.Error(err))
	}
}

func printDigest(entries []digest.Entry) {
	var group digest.Group
	for _, e := range entries {
		if e.Group != group {
			group = e.Group
			fmt.Printf("\n== %s ==\n", strings.ToUpper(string(group)))
		}
		fmt.Println(digestLine(e))
	}
}

func digestLine(e digest.Entry) string {
	var b strings.Builder

	b.WriteString("- ")
	b.WriteString(e.Title)
	if e.Organization != "" {
		fmt.Fprintf(&b, " (%s)", e.Organization)
	}
	if e.Relevance != nil {
		fmt.Fprintf(&b, " relevance %.2f", *e.Relevance)
	}
	if e.Prestige != nil {
		fmt.Fprintf(&b, " prestige %.2f", *e.Prestige)
	}
	if e.Deadline != nil {
		fmt.Fprintf(&b, " deadline %s", e.Deadline.Format("2006-01-02"))
	}
	if e.Urgency != digest.UrgencyNone {
		fmt.Fprintf(&b, " [%s]", e.Urgency)
	}
	if e.URL != "" {
		fmt.Fprintf(&b, "\n  %s", e.URL)
	}
	fmt.Fprintf(&b, "\n  id: %s", e.ID)

	return b.String()
}
