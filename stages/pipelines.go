package stages

import (
	"github.com/neomentor/engine/runtime/media"
	"github.com/neomentor/engine/runtime/model"
	"github.com/neomentor/engine/runtime/orchestrator"
	"github.com/neomentor/engine/runtime/session"
	"github.com/neomentor/engine/runtime/stage"
)

// Deps carries the collaborators the pipelines are built on.
type Deps struct {
	// Model is the text-completion client for planning and research. Required.
	Model model.Client
	// Video synthesizes raw clips. Required.
	Video VideoSynthesizer
	// Assembler renders final deliverables. Required.
	Assembler Assembler
	// Speech clones voices. Required.
	Speech SpeechSynthesizer
	// Media persists generated artifacts. Required.
	Media media.Store
	// Sessions is the session history read by the analytics stage. Required.
	Sessions session.Store
}

// Pipelines builds the static kind-to-stages mapping.
func Pipelines(deps Deps) (orchestrator.Pipelines, error) {
	format, err := NewFormat(deps.Model)
	if err != nil {
		return nil, err
	}
	research, err := NewResearch(deps.Model)
	if err != nil {
		return nil, err
	}
	mediaGen, err := NewMediaGenerate(deps.Video)
	if err != nil {
		return nil, err
	}
	assemble, err := NewAssemble(deps.Assembler)
	if err != nil {
		return nil, err
	}
	synthesize, err := NewSynthesize(deps.Speech, deps.Media)
	if err != nil {
		return nil, err
	}
	syllabus, err := NewSyllabus(deps.Model)
	if err != nil {
		return nil, err
	}
	schedule, err := NewSchedule(deps.Model)
	if err != nil {
		return nil, err
	}
	analytics, err := NewAnalytics(deps.Sessions, deps.Model)
	if err != nil {
		return nil, err
	}

	return orchestrator.Pipelines{
		session.KindVideoGeneration: []stage.Stage{format, research, mediaGen, assemble},
		session.KindVoiceClone:      []stage.Stage{synthesize},
		session.KindSyllabus:        []stage.Stage{syllabus},
		session.KindCourseSchedule:  []stage.Stage{schedule},
		session.KindAnalyticsQuery:  []stage.Stage{analytics},
	}, nil
}
