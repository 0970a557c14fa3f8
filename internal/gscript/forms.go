package gscript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/option"
	"google.golang.org/api/script/v1"

	"qm/internal/gapi"
	appLog "qm/internal/log"
	"qm/internal/model"
	"qm/internal/retry"
)

const (
	createFormFunction = "createForm"
	openFormFunction   = "openForm"

	formLinkTitle        = "Form"
	spreadsheetLinkTitle = "Responses"
)

// API runs a function of a deployed Apps Script project.
type API interface {
	Run(ctx context.Context, scriptID string, req *script.ExecutionRequest) (*script.Operation, error)
}

// LowLevelAPI calls the Apps Script API.
type LowLevelAPI struct {
	service *script.Service
}

func NewLowLevelAPI(ctx context.Context, client *http.Client) (*LowLevelAPI, error) {
	service, err := script.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, err
	}
	return &LowLevelAPI{service: service}, nil
}

func (a *LowLevelAPI) Run(ctx context.Context, scriptID string, req *script.ExecutionRequest) (*script.Operation, error) {
	return a.service.Scripts.Run(scriptID, req).Context(ctx).Do()
}

// Forms provisions and opens queue forms through the Apps Script project.
// Every returned error carries a retry.Kind.
type Forms struct {
	api      API
	scriptID string
}

func NewForms(api API, scriptID string) *Forms {
	return &Forms{api: api, scriptID: scriptID}
}

// createFormResult is the value returned by the createForm script function.
type createFormResult struct {
	FormID         string `json:"formId"`
	FormURL        string `json:"formUrl"`
	SpreadsheetURL string `json:"spreadsheetUrl"`
}

type executionResponse struct {
	Result json.RawMessage `json:"result"`
}

// Provision creates a form titled name, shared with editors, asking prompt.
func (f *Forms) Provision(ctx context.Context, name string, editors []string, prompt string) (model.Artifact, error) {
	if editors == nil {
		editors = []string{}
	}
	raw, err := f.run(ctx, createFormFunction, name, editors, prompt)
	if err != nil {
		return model.Artifact{}, err
	}

	var res createFormResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return model.Artifact{}, retry.Permanent(fmt.Errorf("%s: decode result: %w", createFormFunction, err))
	}
	if res.FormID == "" || res.FormURL == "" {
		return model.Artifact{}, retry.Permanent(fmt.Errorf("%s: result is missing formId or formUrl", createFormFunction))
	}

	art := model.Artifact{
		ID:    res.FormID,
		Links: []model.Link{{Title: formLinkTitle, URL: res.FormURL}},
	}
	if res.SpreadsheetURL != "" {
		art.Links = append(art.Links, model.Link{Title: spreadsheetLinkTitle, URL: res.SpreadsheetURL})
	}
	appLog.Debug("form provisioned", "form_id", art.ID, "name", name, "editors", len(editors))
	return art, nil
}

// Open makes the form accept responses.
func (f *Forms) Open(ctx context.Context, artifactID string) error {
	if artifactID == "" {
		return retry.Permanent(errors.New("open form: artifact id is empty"))
	}
	_, err := f.run(ctx, openFormFunction, artifactID)
	return err
}

func (f *Forms) run(ctx context.Context, function string, params ...any) (json.RawMessage, error) {
	op, err := f.api.Run(ctx, f.scriptID, &script.ExecutionRequest{
		Function:   function,
		Parameters: params,
	})
	if err != nil {
		return nil, gapi.Classify(fmt.Errorf("%s: %w", function, err))
	}
	if op.Error != nil {
		// The script itself threw; retrying inline will not help.
		return nil, retry.Permanent(fmt.Errorf("%s: script error %d: %s", function, op.Error.Code, op.Error.Message))
	}
	if len(op.Response) == 0 {
		return nil, nil
	}

	var resp executionResponse
	if err := json.Unmarshal(op.Response, &resp); err != nil {
		return nil, retry.Permanent(fmt.Errorf("%s: decode response: %w", function, err))
	}
	return resp.Result, nil
}
