// Package functions registers the builtin capability set. Handlers are
// self-contained: the vendor SDKs that would back the aigen capabilities are
// external collaborators, so these produce deterministic placeholder results
// while exercising the full dispatch, queueing and progress machinery.
package functions

import (
	"context"
	"fmt"
	"time"

	"github.com/akatsuki-hq/dispatch/internal/registry"
	"github.com/akatsuki-hq/dispatch/internal/schema"
	"github.com/akatsuki-hq/dispatch/internal/worker"
)

const defaultModel = "akatsuki-default"

// RegisterBuiltins installs the global function set into the registry.
func RegisterBuiltins(reg *registry.Registry) error {
	defs := []*registry.Definition{
		{
			Name:        "current_time",
			Description: "Returns the current server time.",
			Mode:        registry.ModeSync,
			Parameters: schema.Object("current_time arguments", map[string]*schema.Node{
				"format": schema.Enum("output format", "rfc3339", "unix").AsOptional(),
			}),
			Handler: currentTime,
		},
		{
			Name:        "send_notification",
			Description: "Delivers a notification to a recipient over the given channel.",
			Mode:        registry.ModeAsync,
			Parameters: schema.Object("send_notification arguments", map[string]*schema.Node{
				"to":      schema.String("recipient address"),
				"subject": schema.String("notification subject"),
				"body":    schema.String("notification body").AsOptional(),
				"channel": schema.Enum("delivery channel", "email", "sms", "push").AsOptional(),
			}),
			Handler: sendNotification,
		},
		{
			Name:        "text_to_image",
			Description: "Generates an image from a text prompt.",
			Mode:        registry.ModeAsync,
			Parameters: schema.Object("text_to_image arguments", map[string]*schema.Node{
				"prompt": schema.String("text prompt"),
				"model":  schema.String("model name").AsOptional(),
				"width":  schema.Integer("image width in pixels").AsOptional(),
				"height": schema.Integer("image height in pixels").AsOptional(),
			}),
			Handler: textToImage,
		},
		{
			Name:        "image_to_image",
			Description: "Transforms a source image according to a text prompt.",
			Mode:        registry.ModeAsync,
			Parameters: schema.Object("image_to_image arguments", map[string]*schema.Node{
				"source_image_url": schema.String("source image URL"),
				"prompt":           schema.String("transformation prompt"),
				"model":            schema.String("model name").AsOptional(),
				"strength":         schema.Number("transformation strength 0..1").AsOptional(),
			}),
			Handler: imageToImage,
		},
		{
			Name:        "agent_execute",
			Description: "Runs an agent task and returns its result.",
			Mode:        registry.ModeAsync,
			Parameters: schema.Object("agent_execute arguments", map[string]*schema.Node{
				"task":          schema.String("task description"),
				"model":         schema.String("model name").AsOptional(),
				"system_prompt": schema.String("system prompt override").AsOptional().AsNullable(),
			}),
			Handler: agentExecute,
		},
	}

	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("register builtin: %w", err)
		}
	}
	return nil
}

func currentTime(_ context.Context, args map[string]any) (any, error) {
	now := time.Now().UTC()
	if format, _ := args["format"].(string); format == "unix" {
		return map[string]any{"time": now.Unix(), "format": "unix"}, nil
	}
	return map[string]any{"time": now.Format(time.RFC3339), "format": "rfc3339"}, nil
}

func sendNotification(ctx context.Context, args map[string]any) (any, error) {
	to, _ := args["to"].(string)
	subject, _ := args["subject"].(string)
	channel, _ := args["channel"].(string)
	if channel == "" {
		channel = "email"
	}

	worker.ReportProgress(ctx, 50)

	// Delivery transport is an external collaborator; record the intent.
	worker.ReportProgress(ctx, 100)
	return map[string]any{
		"delivered": true,
		"to":        to,
		"subject":   subject,
		"channel":   channel,
	}, nil
}

func textToImage(ctx context.Context, args map[string]any) (any, error) {
	prompt, _ := args["prompt"].(string)
	if prompt == "" {
		return nil, fmt.Errorf("prompt is empty")
	}

	worker.ReportProgress(ctx, 25)
	model := modelOrDefault(args)
	worker.ReportProgress(ctx, 90)

	return map[string]any{
		"image_url":  fmt.Sprintf("https://cdn.akatsuki.example/generated/%d.png", time.Now().UnixNano()),
		"model_used": model,
	}, nil
}

func imageToImage(ctx context.Context, args map[string]any) (any, error) {
	source, _ := args["source_image_url"].(string)
	if source == "" {
		return nil, fmt.Errorf("source_image_url is empty")
	}

	worker.ReportProgress(ctx, 25)
	model := modelOrDefault(args)
	worker.ReportProgress(ctx, 90)

	return map[string]any{
		"image_url":  fmt.Sprintf("https://cdn.akatsuki.example/transformed/%d.png", time.Now().UnixNano()),
		"model_used": model,
	}, nil
}

func agentExecute(ctx context.Context, args map[string]any) (any, error) {
	task, _ := args["task"].(string)
	if task == "" {
		return nil, fmt.Errorf("task is empty")
	}

	worker.ReportProgress(ctx, 10)
	model := modelOrDefault(args)
	worker.ReportProgress(ctx, 95)

	return map[string]any{
		"result":      fmt.Sprintf("task %q executed", task),
		"model_used":  model,
		"tokens_used": len(task),
	}, nil
}

func modelOrDefault(args map[string]any) string {
	if m, ok := args["model"].(string); ok && m != "" {
		return m
	}
	return defaultModel
}
