package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/inkwell-ai/inkwell/internal/costs"
)

var statusCmd = &cobra.Command{
	Use:   "status <story-id>",
	Short: "Show generation progress and spend for a story",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		storyID := args[0]

		report, err := a.orch.GenerationStatus(ctx, storyID)
		if err != nil {
			return err
		}

		fmt.Printf("story:    %s (%s)\n", report.Title, report.StoryID)
		fmt.Printf("status:   %s\n", report.Status)
		fmt.Printf("step:     %s\n", report.Step)
		fmt.Printf("chapters: %d/%d\n", report.ChaptersGenerated, report.TotalChapters)
		if report.AwaitingCheckpoint != "" {
			fmt.Printf("waiting:  checkpoint %s\n", report.AwaitingCheckpoint)
		}
		if report.LastError != "" {
			fmt.Printf("error:    %s\n", report.LastError)
		}

		q := costs.NewQuery(a.store)
		total, err := q.StoryCost(ctx, storyID)
		if err != nil {
			return err
		}
		fmt.Printf("spend:    $%.4f\n", total)

		byStage, err := q.StageBreakdown(ctx, storyID)
		if err != nil {
			return err
		}
		stages := make([]string, 0, len(byStage))
		for s := range byStage {
			stages = append(stages, s)
		}
		sort.Strings(stages)
		for _, s := range stages {
			fmt.Printf("  %-24s $%.4f\n", s, byStage[s])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
