package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/crewchat/internal/config"
	"github.com/stellarlinkco/crewchat/internal/cron"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage scheduled conversation openers",
	Long: "Jobs are stored in the schedule file and picked up by 'crewchat serve' " +
		"when schedule.enabled is true. Changes apply on the next start.",
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs",
	Args:  cobra.NoArgs,
	RunE:  runScheduleList,
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a scheduled job",
	Args:  cobra.NoArgs,
	RunE:  runScheduleAdd,
}

var scheduleRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleRemove,
}

var scheduleEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setScheduleEnabled(cmd, args[0], true)
	},
}

var scheduleDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setScheduleEnabled(cmd, args[0], false)
	},
}

var (
	jobNameFlag    string
	jobMessageFlag string
	jobAuthorFlag  string
	jobCronFlag    string
	jobEveryFlag   time.Duration
	jobAtFlag      string
)

func init() {
	f := scheduleAddCmd.Flags()
	f.StringVar(&jobNameFlag, "name", "", "Job name")
	f.StringVarP(&jobMessageFlag, "message", "m", "", "Opening message submitted when the job fires")
	f.StringVar(&jobAuthorFlag, "author", "", "Sender recorded for the message (default \"scheduler\")")
	f.StringVar(&jobCronFlag, "cron", "", "Cron expression, seconds optional (e.g. \"0 9 * * 1-5\")")
	f.DurationVar(&jobEveryFlag, "every", 0, "Fixed interval (e.g. 24h)")
	f.StringVar(&jobAtFlag, "at", "", "One-shot time in RFC3339")
	scheduleCmd.AddCommand(scheduleListCmd, scheduleAddCmd, scheduleRemoveCmd, scheduleEnableCmd, scheduleDisableCmd)
}

func loadScheduleService() (*cron.Service, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	svc := cron.NewService(cfg.ScheduleStorePath(), nil)
	if err := svc.Load(); err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	return svc, nil
}

func scheduleFromFlags() (cron.Schedule, error) {
	set := 0
	for _, ok := range []bool{jobCronFlag != "", jobEveryFlag != 0, jobAtFlag != ""} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return cron.Schedule{}, fmt.Errorf("exactly one of --cron, --every or --at is required")
	}

	switch {
	case jobCronFlag != "":
		return cron.Expr(jobCronFlag), nil
	case jobEveryFlag != 0:
		return cron.Every(jobEveryFlag), nil
	default:
		at, err := time.Parse(time.RFC3339, jobAtFlag)
		if err != nil {
			return cron.Schedule{}, fmt.Errorf("invalid --at: %w", err)
		}
		return cron.At(at), nil
	}
}

func runScheduleAdd(cmd *cobra.Command, args []string) error {
	schedule, err := scheduleFromFlags()
	if err != nil {
		return err
	}
	svc, err := loadScheduleService()
	if err != nil {
		return err
	}
	name := jobNameFlag
	if name == "" {
		name = "job"
	}
	job, err := svc.AddJob(name, schedule, cron.Payload{Message: jobMessageFlag, Author: jobAuthorFlag})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added job %s (%s)\n", job.ID, describeSchedule(job.Schedule))
	return nil
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	svc, err := loadScheduleService()
	if err != nil {
		return err
	}
	jobs := svc.ListJobs()
	out := cmd.OutOrStdout()
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No scheduled jobs.")
		return nil
	}
	for _, j := range jobs {
		printJob(out, j)
	}
	return nil
}

func runScheduleRemove(cmd *cobra.Command, args []string) error {
	svc, err := loadScheduleService()
	if err != nil {
		return err
	}
	if !svc.RemoveJob(args[0]) {
		return fmt.Errorf("%w: %s", cron.ErrJobNotFound, args[0])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed job %s\n", args[0])
	return nil
}

func setScheduleEnabled(cmd *cobra.Command, id string, enabled bool) error {
	svc, err := loadScheduleService()
	if err != nil {
		return err
	}
	job, err := svc.EnableJob(id, enabled)
	if err != nil {
		return err
	}
	printJob(cmd.OutOrStdout(), job)
	return nil
}

func printJob(out io.Writer, j cron.Job) {
	state := "enabled"
	if !j.Enabled {
		state = "disabled"
	}
	last := "never"
	if j.State.LastRunAtMs > 0 && j.State.Runs > 0 {
		last = time.UnixMilli(j.State.LastRunAtMs).Local().Format(time.RFC3339) + " " + j.State.LastStatus
	}
	fmt.Fprintf(out, "%s  %-12s %-8s %-22s last=%s  %q\n", j.ID, j.Name, state, describeSchedule(j.Schedule), last, j.Payload.Message)
}

func describeSchedule(s cron.Schedule) string {
	switch s.Kind {
	case cron.KindCron:
		return "cron " + s.Expr
	case cron.KindEvery:
		return "every " + (time.Duration(s.EveryMs) * time.Millisecond).String()
	case cron.KindAt:
		return "at " + time.UnixMilli(s.AtMs).Local().Format(time.RFC3339)
	default:
		return string(s.Kind)
	}
}
