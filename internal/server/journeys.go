package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"journeyline/internal/domain"
	"journeyline/internal/engine"
	"journeyline/internal/gate"
	"journeyline/internal/journey"
	"journeyline/internal/repo"
)

type journeyResult struct {
	Body engine.JourneyView `json:"body"`
}

type stageResult struct {
	Body domain.StageInstance `json:"body"`
}

type journeyInstanceResult struct {
	Body domain.JourneyInstance `json:"body"`
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "import-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Import a template definition",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ImportTemplateRequest `json:"body"`
	}) (*struct {
		Body TemplateDetail `json:"body"`
	}, error) {
		tmpl, err := e.ImportTemplate(ctx, []byte(input.Body.Definition))
		if err != nil {
			return nil, handleError(err)
		}
		stages, err := e.TemplateStages(ctx, tmpl.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TemplateDetail `json:"body"`
		}{Body: TemplateDetail{Template: tmpl, Stages: stages}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List templates",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TemplateList `json:"body"`
	}, error) {
		items, err := e.ListTemplates(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.JourneyTemplate{}
		}
		return &struct {
			Body TemplateList `json:"body"`
		}{Body: TemplateList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{template_id}",
		Summary:     "Get a template with its stages",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TemplateID string `path:"template_id"`
	}) (*struct {
		Body TemplateDetail `json:"body"`
	}, error) {
		tmpl, err := e.GetTemplate(ctx, input.TemplateID)
		if err != nil {
			return nil, handleError(err)
		}
		stages, err := e.TemplateStages(ctx, tmpl.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TemplateDetail `json:"body"`
		}{Body: TemplateDetail{Template: tmpl, Stages: stages}}, nil
	})
}

func registerJourneys(api huma.API, e engine.Engine) {
	type journeyPath struct {
		JourneyID string `path:"journey_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "start-journey",
		Method:        http.MethodPost,
		Path:          "/journeys",
		Summary:       "Start a journey from a template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body StartJourneyRequest `json:"body"`
	}) (*journeyResult, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		view, err := e.StartJourney(ctx, engine.StartJourneyOptions{
			TemplateID:  input.Body.TemplateID,
			TemplateKey: input.Body.TemplateKey,
			Subject:     domain.SubjectRef{ClientID: input.Body.ClientID, CaseID: input.Body.CaseID},
			OwnerID:     input.Body.OwnerID,
			ActorID:     actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &journeyResult{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-journeys",
		Method:      http.MethodGet,
		Path:        "/journeys",
		Summary:     "List journeys",
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"active,paused,completed"`
		ClientID string `query:"client_id"`
		CaseID   string `query:"case_id"`
		OwnerID  string `query:"owner_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body JourneyList `json:"body"`
	}, error) {
		items, err := e.ListJourneys(ctx, repo.JourneyFilters{
			Status:   input.Status,
			ClientID: input.ClientID,
			CaseID:   input.CaseID,
			OwnerID:  input.OwnerID,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.JourneyInstance{}
		}
		return &struct {
			Body JourneyList `json:"body"`
		}{Body: JourneyList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-journey",
		Method:      http.MethodGet,
		Path:        "/journeys/{journey_id}",
		Summary:     "Get a journey with its ordered stages",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *journeyPath) (*journeyResult, error) {
		view, err := e.GetJourney(ctx, input.JourneyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &journeyResult{Body: view}, nil
	})

	for _, op := range []struct {
		id, verb, summary string
		apply             func(context.Context, string, string) (domain.JourneyInstance, error)
	}{
		{"pause-journey", "pause", "Pause an active journey", e.Pause},
		{"resume-journey", "resume", "Resume a paused journey", e.Resume},
	} {
		apply := op.apply
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        "/journeys/{journey_id}/" + op.verb,
			Summary:     op.summary,
			Errors:      []int{http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *journeyPath) (*journeyInstanceResult, error) {
			actor, aerr := actorFromContext(ctx)
			if aerr != nil {
				return nil, aerr
			}
			j, err := apply(ctx, input.JourneyID, actor)
			if err != nil {
				return nil, handleError(err)
			}
			return &journeyInstanceResult{Body: j}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "reconcile-journey",
		Method:      http.MethodPost,
		Path:        "/journeys/{journey_id}/reconcile",
		Summary:     "Recompute progress and completion from the stages",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *journeyPath) (*journeyResult, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		view, err := e.Reconcile(ctx, input.JourneyID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &journeyResult{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "journey-progress",
		Method:      http.MethodGet,
		Path:        "/journeys/{journey_id}/progress",
		Summary:     "Progress percentage",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *journeyPath) (*struct {
		Body ProgressResponse `json:"body"`
	}, error) {
		pct, err := e.ComputeProgress(ctx, input.JourneyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProgressResponse `json:"body"`
		}{Body: ProgressResponse{JourneyID: input.JourneyID, ProgressPct: pct}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "journey-next-action",
		Method:      http.MethodGet,
		Path:        "/journeys/{journey_id}/next-action",
		Summary:     "The single next step on a journey",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *journeyPath) (*struct {
		Body NextActionResponse `json:"body"`
	}, error) {
		next, err := e.NextAction(ctx, input.JourneyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NextActionResponse `json:"body"`
		}{Body: NextActionResponse{JourneyID: input.JourneyID, NextAction: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-custom-stage",
		Method:        http.MethodPost,
		Path:          "/journeys/{journey_id}/stages",
		Summary:       "Append an ad-hoc stage",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		JourneyID string          `path:"journey_id"`
		Body      AddStageRequest `json:"body"`
	}) (*stageResult, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		s, err := e.AddCustomStage(ctx, input.JourneyID, customStage(input.Body), actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &stageResult{Body: s}, nil
	})
}

func customStage(req AddStageRequest) journey.CustomStage {
	def := journey.CustomStage{
		Title:       req.Title,
		Description: req.Description,
		Kind:        domain.StageKind(req.Kind),
		Mandatory:   req.Mandatory,
		SLAHours:    req.SLAHours,
	}
	for _, r := range req.Requirements {
		required := true
		if r.Required != nil {
			required = *r.Required
		}
		def.Requirements = append(def.Requirements, domain.DocumentRequirement{
			Name:          r.Name,
			Required:      required,
			AcceptedTypes: r.AcceptedTypes,
			MaxSizeMB:     r.MaxSizeMB,
		})
	}
	return def
}

func registerStages(api huma.API, e engine.Engine) {
	type stagePath struct {
		StageID string `path:"stage_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "start-stage",
		Method:      http.MethodPost,
		Path:        "/stages/{stage_id}/start",
		Summary:     "Mark a stage in progress",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *stagePath) (*stageResult, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		s, err := e.StartStage(ctx, input.StageID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &stageResult{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-stage",
		Method:      http.MethodPost,
		Path:        "/stages/{stage_id}/complete",
		Summary:     "Complete a stage",
		Description: "Upload and gate stages complete only once every required document is approved.",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *stagePath) (*stageResult, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		s, err := e.CompleteStage(ctx, input.StageID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &stageResult{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stage-gate",
		Method:      http.MethodGet,
		Path:        "/stages/{stage_id}/gate",
		Summary:     "Document gate status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *stagePath) (*struct {
		Body gate.Status `json:"body"`
	}, error) {
		st, err := e.GateStatus(ctx, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		if st.Requirements == nil {
			st.Requirements = []gate.RequirementStatus{}
		}
		if st.Pending == nil {
			st.Pending = []domain.DocumentRequirement{}
		}
		return &struct {
			Body gate.Status `json:"body"`
		}{Body: st}, nil
	})
}

func registerUploads(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-upload",
		Method:        http.MethodPost,
		Path:          "/stages/{stage_id}/uploads",
		Summary:       "Record a submitted document",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		StageID string              `path:"stage_id"`
		Body    SubmitUploadRequest `json:"body"`
	}) (*struct {
		Body domain.DocumentUpload `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		u, err := e.SubmitUpload(ctx, input.StageID, journey.UploadInput{
			RequirementID: input.Body.RequirementID,
			Filename:      input.Body.Filename,
			SizeBytes:     input.Body.SizeBytes,
			MimeType:      input.Body.MimeType,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DocumentUpload `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-uploads",
		Method:      http.MethodGet,
		Path:        "/stages/{stage_id}/uploads",
		Summary:     "List a stage's uploads",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StageID string `path:"stage_id"`
	}) (*struct {
		Body UploadList `json:"body"`
	}, error) {
		items, err := e.ListUploads(ctx, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.DocumentUpload{}
		}
		return &struct {
			Body UploadList `json:"body"`
		}{Body: UploadList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-upload",
		Method:      http.MethodPost,
		Path:        "/uploads/{upload_id}/review",
		Summary:     "Approve or reject a pending upload",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		UploadID string              `path:"upload_id"`
		Body     ReviewUploadRequest `json:"body"`
	}) (*struct {
		Body domain.DocumentUpload `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		u, err := e.ReviewUpload(ctx, input.UploadID, domain.ReviewDecision(input.Body.Decision), actor, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DocumentUpload `json:"body"`
		}{Body: u}, nil
	})
}

func registerDeadlines(api huma.API, e engine.Engine) {
	overdue := func(ctx context.Context, journeyID string) (*struct {
		Body OverdueList `json:"body"`
	}, error) {
		items, err := e.FindOverdue(ctx, journeyID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []engine.OverdueStage{}
		}
		return &struct {
			Body OverdueList `json:"body"`
		}{Body: OverdueList{Items: items}}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-overdue",
		Method:      http.MethodGet,
		Path:        "/overdue",
		Summary:     "Overdue stages across all journeys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body OverdueList `json:"body"`
	}, error) {
		return overdue(ctx, "")
	})

	huma.Register(api, huma.Operation{
		OperationID: "journey-overdue",
		Method:      http.MethodGet,
		Path:        "/journeys/{journey_id}/overdue",
		Summary:     "Overdue stages of one journey",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JourneyID string `path:"journey_id"`
	}) (*struct {
		Body OverdueList `json:"body"`
	}, error) {
		return overdue(ctx, input.JourneyID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-overdue",
		Method:      http.MethodPost,
		Path:        "/sweeps/overdue",
		Summary:     "Notify owners of overdue stages",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.SweepReport `json:"body"`
	}, error) {
		report, err := e.SweepOverdue(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if report.Overdue == nil {
			report.Overdue = []engine.OverdueStage{}
		}
		return &struct {
			Body engine.SweepReport `json:"body"`
		}{Body: report}, nil
	})
}
