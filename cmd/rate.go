package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spigell/opportunity-radar/internal/feedback"
	"github.com/spigell/opportunity-radar/internal/storage"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const PromptBack = "back"

var rateCmd = &cobra.Command{
	Use:   "rate [id rating]",
	Short: "Rate an opportunity from 1 to 5. Ratings steer future scoring",
	Args:  cobra.RangeArgs(0, 2),
	Run: func(cmd *cobra.Command, args []string) {
		rate(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(rateCmd)

	rateCmd.Flags().Int("recent", 20, "number of recent opportunities offered for interactive rating")
}

func rate(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	log, config := setup()

	store := openStore(ctx, config, log)
	defer store.Close()

	budget := 0
	if config.Pipeline != nil {
		budget = config.Pipeline.ExampleTokenBudget
	}
	svc := feedback.New(store, budget, log.Named("feedback"))

	var (
		id     string
		rating int
		err    error
	)

	switch len(args) {
	case 2:
		id = args[0]
		rating, err = strconv.Atoi(args[1])
		if err != nil {
			log.Fatal("rating must be a number", zap.String("rating", args[1]))
		}
	case 1:
		log.Fatal("both id and rating are required, or none for interactive mode")
	default:
		recent, _ := cmd.Flags().GetInt("recent")
		id, rating, err = chooseRating(ctx, store, recent)
		if err != nil {
			if errors.Is(err, promptui.ErrInterrupt) {
				return
			}
			log.Fatal("interactive rating failed", zap.Error(err))
		}
		if id == "" {
			return
		}
	}

	if err := svc.Rate(ctx, id, rating); err != nil {
		log.Fatal("rating the opportunity", zap.Error(err))
	}
}

// chooseRating lets the user pick one of the recent opportunities and a
// rating. An empty id means the user went back.
func chooseRating(ctx context.Context, store *storage.Store, recent int) (string, int, error) {
	if recent <= 0 {
		recent = 20
	}

	opps, err := store.ListOpportunities(ctx, storage.ListFilter{Limit: uint64(recent)})
	if err != nil {
		return "", 0, err
	}
	if len(opps) == 0 {
		return "", 0, errors.New("no opportunities stored yet")
	}

	items := make([]string, 0, len(opps)+1)
	for _, o := range opps {
		label := o.Title
		if o.Organization != "" {
			label += " (" + o.Organization + ")"
		}
		if o.UserRating != nil {
			label += fmt.Sprintf(" [rated %d/5]", *o.UserRating)
		}
		items = append(items, label)
	}

	oppPrompt := promptui.Select{
		Label: "Choose an opportunity and press ENTER",
		Items: append(items, PromptBack),
		Size:  10,
	}
	idx, selected, err := oppPrompt.Run()
	if err != nil {
		return "", 0, err
	}
	if selected == PromptBack {
		return "", 0, nil
	}

	ratingPrompt := promptui.Select{
		Label: "Rating",
		Items: []string{"5", "4", "3", "2", "1"},
	}
	_, value, err := ratingPrompt.Run()
	if err != nil {
		return "", 0, err
	}

	rating, err := strconv.Atoi(value)
	if err != nil {
		return "", 0, err
	}

	return opps[idx].ID, rating, nil
}
