// Package grpcclient implements model.Adapter against a remote model server.
//
// The server exposes unary methods under /modelserver.v1.ModelServer that
// exchange google.protobuf.Struct messages. Tensors travel as objects with a
// "shape" list and a "data" string holding base64 little-endian float32s.
package grpcclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/garvit1910/ctrl-hack-del/internal/apperr"
	"github.com/garvit1910/ctrl-hack-del/internal/logging"
	"github.com/garvit1910/ctrl-hack-del/internal/model"
	"github.com/garvit1910/ctrl-hack-del/internal/tensor"
)

const (
	predictMethod            = "/modelserver.v1.ModelServer/Predict"
	activationGradientMethod = "/modelserver.v1.ModelServer/ActivationGradient"
	layersMethod             = "/modelserver.v1.ModelServer/Layers"
)

// DialModelServer returns a ready-to-use connection to the model server.
func DialModelServer(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, opts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_model_server", "", err)
		logger.Error("failed to dial model server", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	return conn, nil
}

// Adapter serves one named model through a shared connection. Close does
// not close the connection; its owner does.
type Adapter struct {
	conn    grpc.ClientConnInterface
	name    string
	version string
	layers  []model.LayerInfo
	logger  *zap.Logger
}

// NewAdapter fetches the layer listing of modelName and returns its adapter.
func NewAdapter(ctx context.Context, conn grpc.ClientConnInterface, modelName string, logger *zap.Logger) (*Adapter, error) {
	a := &Adapter{conn: conn, name: modelName, logger: logger.Named("grpc_adapter").With(zap.String("model", modelName))}

	req, err := structpb.NewStruct(map[string]interface{}{"model": modelName})
	if err != nil {
		return nil, err
	}
	resp := &structpb.Struct{}
	if err := a.invoke(ctx, layersMethod, req, resp); err != nil {
		return nil, err
	}
	if a.layers, err = layersFrom(resp); err != nil {
		return nil, fmt.Errorf("%s: %w", modelName, err)
	}
	a.version = resp.GetFields()["version"].GetStringValue()
	return a, nil
}

// Loader returns a model.Loader that builds an Adapter for modelName on conn.
func Loader(conn grpc.ClientConnInterface, modelName string, logger *zap.Logger) model.Loader {
	return func(ctx context.Context) (model.Adapter, error) {
		return NewAdapter(ctx, conn, modelName, logger)
	}
}

// Name implements model.Adapter.
func (a *Adapter) Name() string { return a.name }

// Version implements model.Adapter.
func (a *Adapter) Version() string { return a.version }

// Layers implements model.Adapter.
func (a *Adapter) Layers() []model.LayerInfo { return a.layers }

// Close implements model.Adapter.
func (a *Adapter) Close() error { return nil }

// Predict implements model.Adapter.
func (a *Adapter) Predict(ctx context.Context, batch []*tensor.Image) ([]model.Score, error) {
	images := make([]interface{}, len(batch))
	for i, img := range batch {
		images[i] = imageValue(img)
	}
	req, err := structpb.NewStruct(map[string]interface{}{"model": a.name, "images": images})
	if err != nil {
		return nil, err
	}
	resp := &structpb.Struct{}
	if err := a.invoke(ctx, predictMethod, req, resp); err != nil {
		return nil, err
	}
	scores, err := scoresFrom(resp, len(batch))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.name, err)
	}
	return scores, nil
}

// ActivationAndGradient implements model.Adapter. A server that cannot
// differentiate through layer answers FailedPrecondition or Unimplemented,
// which is reported as an explainability failure.
func (a *Adapter) ActivationAndGradient(ctx context.Context, img *tensor.Image, layer model.LayerID) (*tensor.FeatureMap, *tensor.FeatureMap, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"model": a.name,
		"layer": string(layer),
		"image": imageValue(img),
	})
	if err != nil {
		return nil, nil, err
	}
	resp := &structpb.Struct{}
	if err := a.invoke(ctx, activationGradientMethod, req, resp); err != nil {
		switch status.Code(errors.Unwrap(err)) {
		case codes.FailedPrecondition, codes.Unimplemented, codes.NotFound:
			return nil, nil, apperr.Unexplainable(a.name, err)
		}
		return nil, nil, err
	}

	fields := resp.GetFields()
	acts, err := featureMapFrom(fields["activations"])
	if err != nil {
		return nil, nil, apperr.Unexplainable(a.name, fmt.Errorf("activations: %w", err))
	}
	grads, err := featureMapFrom(fields["gradients"])
	if err != nil {
		return nil, nil, apperr.Unexplainable(a.name, fmt.Errorf("gradients: %w", err))
	}
	return acts, grads, nil
}

func (a *Adapter) invoke(ctx context.Context, method string, req, resp *structpb.Struct) error {
	if err := a.conn.Invoke(ctx, method, req, resp); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		wrapped := logging.NewOperationError("grpcclient."+methodName(method), "", err)
		a.logger.Error("model server call failed", zap.Error(wrapped))
		return wrapped
	}
	return nil
}

func methodName(fullMethod string) string {
	return fullMethod[strings.LastIndex(fullMethod, "/")+1:]
}
