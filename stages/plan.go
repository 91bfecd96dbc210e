package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/neomentor/engine/runtime/model"
	"github.com/neomentor/engine/runtime/stage"
)

const syllabusSystemPrompt = `You design course syllabi. Reply with a JSON
object of the form {"topic": "...", "level": "...", "weeks": [{"week": 1,
"title": "...", "objectives": ["..."]}]} and nothing else.`

const scheduleSystemPrompt = `You build weekly course schedules. Reply with a
JSON object of the form {"schedule": [{"day": "...", "slots": [{"course":
"...", "start": "09:00", "end": "10:30"}]}]} and nothing else.`

type (
	// Syllabus produces a structured syllabus plan for a topic.
	Syllabus struct {
		model model.Client
	}

	syllabusRequest struct {
		Topic string `json:"topic"`
		Level string `json:"level"`
		Weeks int    `json:"weeks"`
	}

	// SyllabusOutput is the session result for syllabus planning.
	SyllabusOutput struct {
		Topic string `json:"topic"`
		Level string `json:"level,omitempty"`
		Weeks []struct {
			Week       int      `json:"week"`
			Title      string   `json:"title"`
			Objectives []string `json:"objectives,omitempty"`
		} `json:"weeks"`
	}

	// Schedule produces a weekly timetable for a set of courses.
	Schedule struct {
		model model.Client
	}

	scheduleRequest struct {
		Courses     []string       `json:"courses"`
		Constraints map[string]any `json:"constraints"`
	}

	// ScheduleOutput is the session result for course scheduling.
	ScheduleOutput struct {
		Schedule []struct {
			Day   string `json:"day"`
			Slots []struct {
				Course string `json:"course"`
				Start  string `json:"start"`
				End    string `json:"end"`
			} `json:"slots"`
		} `json:"schedule"`
	}
)

// NewSyllabus returns the syllabus planning stage.
func NewSyllabus(client model.Client) (*Syllabus, error) {
	if client == nil {
		return nil, errors.New("stages: model client is required")
	}
	return &Syllabus{model: client}, nil
}

// Descriptor implements stage.Stage.
func (s *Syllabus) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:        "syllabus_plan",
		MaxDuration: time.Minute,
		Retry: stage.RetryPolicy{
			MaxAttempts:      2,
			Backoff:          2 * time.Second,
			RetryStageErrors: true,
		},
	}
}

// Run implements stage.Stage.
func (s *Syllabus) Run(ctx context.Context, in *stage.Input) (*stage.Output, error) {
	var req syllabusRequest
	if err := in.RequestInto(&req); err != nil {
		return nil, stage.NewStageError("syllabus_plan", "request payload is unreadable", err)
	}
	prompt := fmt.Sprintf("Design a syllabus on %q", req.Topic)
	if req.Level != "" {
		prompt += fmt.Sprintf(" for %s students", req.Level)
	}
	if req.Weeks > 0 {
		prompt += fmt.Sprintf(" spanning %d weeks", req.Weeks)
	}

	resp, err := s.model.Complete(ctx, &model.Request{System: syllabusSystemPrompt, Prompt: prompt})
	if err != nil {
		return nil, stage.NewInfraError("syllabus_plan", "planning backend unavailable", err)
	}
	var out SyllabusOutput
	if err := json.Unmarshal([]byte(resp.Text), &out); err != nil {
		return nil, stage.NewStageError("syllabus_plan", "model returned a malformed plan", err)
	}
	if len(out.Weeks) == 0 {
		return nil, stage.NewStageError("syllabus_plan", "model returned an empty plan", nil)
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, stage.NewStageError("syllabus_plan", "plan could not be encoded", err)
	}
	return &stage.Output{Result: encoded, Message: fmt.Sprintf("%d week plan drafted", len(out.Weeks))}, nil
}

// NewSchedule returns the course scheduling stage.
func NewSchedule(client model.Client) (*Schedule, error) {
	if client == nil {
		return nil, errors.New("stages: model client is required")
	}
	return &Schedule{model: client}, nil
}

// Descriptor implements stage.Stage.
func (s *Schedule) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:        "schedule_plan",
		MaxDuration: time.Minute,
		Retry: stage.RetryPolicy{
			MaxAttempts:      2,
			Backoff:          2 * time.Second,
			RetryStageErrors: true,
		},
	}
}

// Run implements stage.Stage.
func (s *Schedule) Run(ctx context.Context, in *stage.Input) (*stage.Output, error) {
	var req scheduleRequest
	if err := in.RequestInto(&req); err != nil {
		return nil, stage.NewStageError("schedule_plan", "request payload is unreadable", err)
	}
	constraints, err := json.Marshal(req.Constraints)
	if err != nil {
		return nil, stage.NewStageError("schedule_plan", "constraints are unreadable", err)
	}
	prompt := fmt.Sprintf("Build a weekly schedule for courses %v with constraints %s", req.Courses, constraints)

	resp, err := s.model.Complete(ctx, &model.Request{System: scheduleSystemPrompt, Prompt: prompt})
	if err != nil {
		return nil, stage.NewInfraError("schedule_plan", "planning backend unavailable", err)
	}
	var out ScheduleOutput
	if err := json.Unmarshal([]byte(resp.Text), &out); err != nil {
		return nil, stage.NewStageError("schedule_plan", "model returned a malformed schedule", err)
	}
	if len(out.Schedule) == 0 {
		return nil, stage.NewStageError("schedule_plan", "model returned an empty schedule", nil)
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, stage.NewStageError("schedule_plan", "schedule could not be encoded", err)
	}
	return &stage.Output{Result: encoded, Message: "timetable drafted"}, nil
}
