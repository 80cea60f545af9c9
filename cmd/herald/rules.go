package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/herald/internal/engine"
	"github.com/foxzi/herald/internal/rules"
)

var rulesImportDryRun bool

// RuleFile is the YAML layout accepted by rules import
type RuleFile struct {
	NotificationRules []*rules.NotificationRule `yaml:"notification_rules"`
	EscalationRules   []*rules.EscalationRule   `yaml:"escalation_rules"`
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Rule management commands",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notification and escalation rules",
	RunE:  runRulesList,
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import rules from a YAML file",
	Long: `Import rules from a YAML file with notification_rules and escalation_rules lists.
Every rule is validated before anything is written. Rules with an id that
already exists are updated, others are created.`,
	Args: cobra.ExactArgs(1),
	RunE: runRulesImport,
}

func init() {
	rulesImportCmd.Flags().BoolVar(&rulesImportDryRun, "dry-run", false, "Validate the file without writing")

	rulesCmd.AddCommand(rulesListCmd, rulesImportCmd)
	rootCmd.AddCommand(rulesCmd)
}

func runRulesList(cmd *cobra.Command, args []string) error {
	eng, closeFn, err := openEngine()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := context.Background()
	notifications, err := eng.ListNotificationRules(ctx, rules.NotificationFilter{})
	if err != nil {
		return fmt.Errorf("failed to list notification rules: %w", err)
	}
	escalations, err := eng.ListEscalationRules(ctx, rules.EscalationFilter{})
	if err != nil {
		return fmt.Errorf("failed to list escalation rules: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tNAME\tTRIGGER\tCHANNELS\tACTIVE")
	fmt.Fprintln(w, "--\t----\t----\t-------\t--------\t------")

	for _, r := range notifications {
		chs := make([]string, 0, len(r.Channels))
		for _, ch := range r.Channels {
			chs = append(chs, string(ch))
		}
		fmt.Fprintf(w, "%s\tnotification\t%s\t%s\t%s\t%v\n", r.ID, r.Name, r.TriggerType, strings.Join(chs, ","), r.IsActive)
	}
	for _, r := range escalations {
		fmt.Fprintf(w, "%s\tescalation\t%s\t%s\t%d steps\t%v\n", r.ID, r.Name, r.TriggerCondition, len(r.Steps), r.IsActive)
	}

	return w.Flush()
}

func runRulesImport(cmd *cobra.Command, args []string) error {
	file, err := readRuleFile(args[0])
	if err != nil {
		return err
	}

	if rulesImportDryRun {
		fmt.Printf("%s is valid: %d notification rules, %d escalation rules\n",
			args[0], len(file.NotificationRules), len(file.EscalationRules))
		return nil
	}

	eng, closeFn, err := openEngine()
	if err != nil {
		return err
	}
	defer closeFn()

	created, updated, err := importRules(context.Background(), eng, file)
	fmt.Printf("Imported rules: %d created, %d updated\n", created, updated)
	return err
}

// readRuleFile parses and validates every rule of the file
func readRuleFile(path string) (*RuleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}

	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}

	var errs []error
	for i, r := range file.NotificationRules {
		if err := rules.ValidateNotification(r); err != nil {
			errs = append(errs, fmt.Errorf("notification_rules[%d] %q: %w", i, r.Name, err))
		}
	}
	for i, r := range file.EscalationRules {
		if err := rules.ValidateEscalation(r); err != nil {
			errs = append(errs, fmt.Errorf("escalation_rules[%d] %q: %w", i, r.Name, err))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &file, nil
}

func importRules(ctx context.Context, eng *engine.Engine, file *RuleFile) (created, updated int, err error) {
	for _, r := range file.NotificationRules {
		if r.ID != "" {
			if _, err := eng.UpdateNotificationRule(ctx, r.ID, r); err == nil {
				updated++
				continue
			} else if !errors.Is(err, rules.ErrNotFound) {
				return created, updated, err
			}
		}
		if _, err := eng.CreateNotificationRule(ctx, r); err != nil {
			return created, updated, err
		}
		created++
	}

	for _, r := range file.EscalationRules {
		if r.ID != "" {
			if _, err := eng.UpdateEscalationRule(ctx, r.ID, r); err == nil {
				updated++
				continue
			} else if !errors.Is(err, rules.ErrNotFound) {
				return created, updated, err
			}
		}
		if _, err := eng.CreateEscalationRule(ctx, r); err != nil {
			return created, updated, err
		}
		created++
	}

	return created, updated, nil
}
