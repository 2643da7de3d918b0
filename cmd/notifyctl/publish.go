package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/cpmentor/notification-service/internal/notifications"
	"github.com/cpmentor/notification-service/internal/producer"
)

func newPublishCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a single event",
	}
	cmd.AddCommand(newPublishTaskCmd(c), newPublishBatchCmd(c), newPublishContestCmd(c))
	return cmd
}

func newPublishTaskCmd(c *cli) *cobra.Command {
	var task notifications.TaskStub
	var taskID, userID, mentorID string

	cmd := &cobra.Command{
		Use:   "task",
		Short: "Publish a task_created event",
		RunE: func(cmd *cobra.Command, args []string) error {
			task.TaskID = notifications.FlexID(taskID)
			task.UserID = notifications.FlexID(userID)
			task.MentorID = notifications.FlexID(mentorID)
			if err := checkTask(task); err != nil {
				return err
			}

			pub, err := c.publisher()
			if err != nil {
				return err
			}
			if err := producer.NewTaskEvents(pub, c.logger).PublishTaskCreated(cmd.Context(), task); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published task %s for user %s\n", task.TaskID, task.UserID)
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "task-id", "", "Task id (required)")
	cmd.Flags().StringVar(&userID, "user-id", "", "Assignee user id (required)")
	cmd.Flags().StringVar(&mentorID, "mentor-id", "", "Assigning mentor id")
	cmd.Flags().StringVar(&task.Title, "title", "", "Task title (required)")
	cmd.Flags().StringVar(&task.DueDate, "due-date", "", "Due date shown in the notification text")
	return cmd
}

func newPublishBatchCmd(c *cli) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Publish a tasks_batch_created event from a JSON file",
		Long: `Reads either a JSON array of tasks or an object {"tasks": [...]}.
Each task needs task_id, user_id and title. Use --file - to read stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := openInput(file)
			if err != nil {
				return err
			}
			defer f.Close()

			tasks, err := readTasks(f)
			if err != nil {
				return fmt.Errorf("reading %s: %w", file, err)
			}

			pub, err := c.publisher()
			if err != nil {
				return err
			}
			if err := producer.NewTaskEvents(pub, c.logger).PublishBatchCreated(cmd.Context(), tasks); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published batch of %d tasks\n", len(tasks))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file with the tasks (required)")
	cmd.MarkFlagRequired("file") //nolint:errcheck
	return cmd
}

func newPublishContestCmd(c *cli) *cobra.Command {
	var contest producer.UpcomingContest
	var start string

	cmd := &cobra.Command{
		Use:   "contest",
		Short: "Publish an upcoming contest announcement",
		RunE: func(cmd *cobra.Command, args []string) error {
			if contest.ID <= 0 || contest.Name == "" {
				return errors.New("--id and --name are required")
			}
			if contest.DurationSeconds <= 0 {
				return errors.New("--duration must be positive")
			}
			startTime, err := notifications.ParseStartTime(start)
			if err != nil || startTime.IsZero() {
				return fmt.Errorf("invalid --start %q: use epoch seconds or RFC 3339", start)
			}
			contest.StartTime = startTime

			pub, err := c.publisher()
			if err != nil {
				return err
			}
			if err := producer.NewContestEvents(pub, c.logger).PublishUpcoming(cmd.Context(), contest); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published contest %d (%s) starting %s\n",
				contest.ID, contest.Name, contest.StartTime.UTC().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().Int64Var(&contest.ID, "id", 0, "Codeforces contest id (required)")
	cmd.Flags().StringVar(&contest.Name, "name", "", "Contest name (required)")
	cmd.Flags().StringVar(&start, "start", "", "Start time as epoch seconds or RFC 3339 (required)")
	cmd.Flags().Int64Var(&contest.DurationSeconds, "duration", 7200, "Duration in seconds")
	cmd.Flags().StringVar(&contest.WebsiteURL, "url", "", "Contest page URL")
	return cmd
}

func checkTask(t notifications.TaskStub) error {
	if t.TaskID == "" || t.UserID == "" || t.Title == "" {
		return errors.New("task needs task_id, user_id and title")
	}
	return nil
}

// readTasks accepts a bare array of tasks or a tasks_batch_created body.
func readTasks(r io.Reader) ([]notifications.TaskStub, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)

	var tasks []notifications.TaskStub
	if len(data) > 0 && data[0] == '[' {
		err = json.Unmarshal(data, &tasks)
	} else {
		var body notifications.TasksBatchCreated
		err = json.Unmarshal(data, &body)
		tasks = body.Tasks
	}
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, errors.New("no tasks")
	}
	for i, t := range tasks {
		if err := checkTask(t); err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
	}
	return tasks, nil
}
