package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/circlecloud/circle/internal/domain"
	"github.com/circlecloud/circle/internal/operation"
	"github.com/circlecloud/circle/internal/server/middleware"
)

const (
	operationServiceName = "circle.v1.OperationService"
	activityServiceName  = "circle.v1.ActivityService"

	// activityHeader carries the activity of a failed synchronous call.
	activityHeader = "Circle-Activity-Id"

	defaultActivityLimit = 50
)

// SubjectLoader loads an operation subject by ID.
type SubjectLoader func(ctx context.Context, id string) (domain.Subject, error)

// OperationHandler serves the operation and activity procedures.
type OperationHandler struct {
	runner   *operation.Runner
	subjects map[domain.SubjectKind]SubjectLoader
	logger   *zap.Logger
}

// NewOperationHandler creates a handler. subjects maps each subject kind to
// its loader.
func NewOperationHandler(runner *operation.Runner, subjects map[domain.SubjectKind]SubjectLoader, logger *zap.Logger) *OperationHandler {
	return &OperationHandler{
		runner:   runner,
		subjects: subjects,
		logger:   logger.Named("operation-handler"),
	}
}

type subjectRef struct {
	SubjectKind domain.SubjectKind `json:"subject_kind"`
	SubjectID   string             `json:"subject_id"`
}

type invokeRequest struct {
	subjectRef
	Operation        string         `json:"operation"`
	Params           map[string]any `json:"params"`
	ParentActivityID string         `json:"parent_activity_id"`
	Async            bool           `json:"async"`
}

type invokeResponse struct {
	Activity *domain.Activity `json:"activity"`
	Result   any              `json:"result,omitempty"`
}

type operationInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	ActivityCode string   `json:"activity_code"`
	Accepts      []string `json:"accepts,omitempty"`
}

type listActivitiesRequest struct {
	subjectRef
	Limit int `json:"limit"`
}

type activityTree struct {
	Activity *domain.Activity   `json:"activity"`
	Children []*domain.Activity `json:"children"`
}

func (h *OperationHandler) operationProcedures() []procedure {
	return []procedure{
		{method: "Invoke", fn: h.invoke},
		{method: "ListAvailable", fn: h.listAvailable},
	}
}

func (h *OperationHandler) activityProcedures() []procedure {
	return []procedure{
		{method: "List", fn: h.listActivities},
		{method: "Get", fn: h.getActivity},
	}
}

func (h *OperationHandler) loadSubject(ctx context.Context, ref subjectRef) (domain.Subject, error) {
	load, ok := h.subjects[ref.SubjectKind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown subject kind %q", domain.ErrInvalidArgument, ref.SubjectKind)
	}
	if ref.SubjectID == "" {
		return nil, fmt.Errorf("%w: subject_id is required", domain.ErrInvalidArgument)
	}
	return load(ctx, ref.SubjectID)
}

func (h *OperationHandler) invoke(ctx context.Context, msg *structpb.Struct) (any, error) {
	user, ok := middleware.GetUser(ctx)
	if !ok {
		return nil, domain.ErrUnauthorized
	}
	var req invokeRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	subject, err := h.loadSubject(ctx, req.subjectRef)
	if err != nil {
		return nil, err
	}
	bound, err := h.runner.For(subject).GetOperation(req.Operation)
	if err != nil {
		return nil, err
	}

	opts := operation.CallOptions{User: user, Params: req.Params}
	if req.ParentActivityID != "" {
		parent, err := h.runner.Ledger().Get(ctx, req.ParentActivityID)
		if err != nil {
			return nil, fmt.Errorf("parent activity: %w", err)
		}
		opts.ParentActivity = parent
	}

	logger := h.logger.With(
		zap.String("operation", req.Operation),
		zap.String("subject_kind", string(req.SubjectKind)),
		zap.String("subject_id", req.SubjectID),
		zap.String("user_id", user.ID),
		zap.Bool("async", req.Async),
	)

	if req.Async {
		exec, err := bound.Async(ctx, opts)
		if err != nil {
			return nil, err
		}
		logger.Info("Operation submitted", zap.String("activity_id", exec.Activity.ID))
		return invokeResponse{Activity: exec.Activity}, nil
	}

	exec, err := bound.Execute(ctx, opts)
	if err != nil {
		cerr := toConnectError(err)
		if exec != nil && exec.Activity != nil {
			cerr.Meta().Set(activityHeader, exec.Activity.ID)
		}
		logger.Info("Operation failed", zap.Error(err))
		return nil, cerr
	}
	return invokeResponse{Activity: exec.Activity, Result: exec.Result}, nil
}

func (h *OperationHandler) listAvailable(ctx context.Context, msg *structpb.Struct) (any, error) {
	user, ok := middleware.GetUser(ctx)
	if !ok {
		return nil, domain.ErrUnauthorized
	}
	var ref subjectRef
	if err := decode(msg, &ref); err != nil {
		return nil, err
	}
	subject, err := h.loadSubject(ctx, ref)
	if err != nil {
		return nil, err
	}

	ops := []operationInfo{}
	for b := range h.runner.For(subject).Available(ctx, user) {
		op := b.Operation()
		ops = append(ops, operationInfo{
			ID:           op.ID(),
			Name:         op.Name(),
			ActivityCode: op.ActivityCode(),
			Accepts:      op.Accepts(),
		})
	}
	return map[string]any{"operations": ops}, nil
}

// canReadActivities checks that user may see the activities of subject.
func canReadActivities(user *domain.User, subject domain.Subject) error {
	if !user.HasPerms(domain.PermissionActivityRead) {
		return fmt.Errorf("%w: activity read permission required", domain.ErrPermissionDenied)
	}
	if acl, ok := subject.(domain.HasACLLevels); ok && !acl.HasLevel(user, domain.ACLUser) {
		return fmt.Errorf("%w: no access to %s %s", domain.ErrPermissionDenied, subject.SubjectKind(), subject.SubjectID())
	}
	return nil
}

func (h *OperationHandler) listActivities(ctx context.Context, msg *structpb.Struct) (any, error) {
	user, ok := middleware.GetUser(ctx)
	if !ok {
		return nil, domain.ErrUnauthorized
	}
	var req listActivitiesRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	subject, err := h.loadSubject(ctx, req.subjectRef)
	if err != nil {
		return nil, err
	}
	if err := canReadActivities(user, subject); err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	list, err := h.runner.Ledger().ListBySubject(ctx, subject, limit)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*domain.Activity{}
	}
	return map[string]any{"activities": list}, nil
}

func (h *OperationHandler) getActivity(ctx context.Context, msg *structpb.Struct) (any, error) {
	user, ok := middleware.GetUser(ctx)
	if !ok {
		return nil, domain.ErrUnauthorized
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, fmt.Errorf("%w: id is required", domain.ErrInvalidArgument)
	}

	ledger := h.runner.Ledger()
	act, err := ledger.Get(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	subject, err := h.loadSubject(ctx, subjectRef{SubjectKind: act.SubjectKind, SubjectID: act.SubjectID})
	if err != nil {
		return nil, err
	}
	if err := canReadActivities(user, subject); err != nil {
		return nil, err
	}

	children, err := ledger.Children(ctx, act.ID)
	if err != nil {
		return nil, err
	}
	if children == nil {
		children = []*domain.Activity{}
	}
	return activityTree{Activity: act, Children: children}, nil
}
