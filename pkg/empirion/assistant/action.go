package assistant

import (
	"context"
	"fmt"
)

// Phone abstracts device telephony and messaging. Real implementations call
// into the platform (see pkg/empirion/device); the gateway only knows this
// seam.
type Phone interface {
	MakeCall(ctx context.Context, number string) error
	SendSMS(ctx context.Context, number, message string) error
	Contacts(ctx context.Context, query string) ([]Contact, error)
	Notifications(ctx context.Context) ([]map[string]any, error)
}

// Contact is one address-book entry.
type Contact struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// Store abstracts the app-store API.
type Store interface {
	SearchApps(ctx context.Context, query string, limit int) ([]App, error)
	InstallApp(ctx context.Context, packageName string) error
	UninstallApp(ctx context.Context, packageName string) error
}

// App is one store listing.
type App struct {
	Name        string `json:"name"`
	PackageName string `json:"package_name"`
	Version     string `json:"version,omitempty"`
	Rating      string `json:"rating,omitempty"`
}

// ActionHandler serves action requests: the content string names the device
// or store operation and the metadata carries its arguments.
type ActionHandler struct {
	phone Phone
	store Store
}

// NewActionHandler creates an action handler. Either collaborator may be
// nil; actions needing a missing one fail with an explanatory error.
func NewActionHandler(phone Phone, store Store) *ActionHandler {
	return &ActionHandler{phone: phone, store: store}
}

// Handle implements Handler for action requests.
func (a *ActionHandler) Handle(ctx context.Context, _ string, content string, metadata map[string]any) (*Result, error) {
	switch content {
	case "make_call":
		if a.phone == nil {
			return nil, fmt.Errorf("phone integration is disabled")
		}
		number, err := stringArg(metadata, "number")
		if err != nil {
			return nil, err
		}
		if err := a.phone.MakeCall(ctx, number); err != nil {
			return nil, fmt.Errorf("make_call: %w", err)
		}
		return okResult(map[string]string{"action": "make_call", "number": number}), nil

	case "send_sms":
		if a.phone == nil {
			return nil, fmt.Errorf("phone integration is disabled")
		}
		number, err := stringArg(metadata, "number")
		if err != nil {
			return nil, err
		}
		message, err := stringArg(metadata, "message")
		if err != nil {
			return nil, err
		}
		if err := a.phone.SendSMS(ctx, number, message); err != nil {
			return nil, fmt.Errorf("send_sms: %w", err)
		}
		return okResult(map[string]string{"action": "send_sms", "number": number}), nil

	case "get_contacts":
		if a.phone == nil {
			return nil, fmt.Errorf("phone integration is disabled")
		}
		query, _ := metadata["query"].(string)
		contacts, err := a.phone.Contacts(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("get_contacts: %w", err)
		}
		return okResult(map[string]any{"action": "get_contacts", "contacts": contacts}), nil

	case "get_notifications":
		if a.phone == nil {
			return nil, fmt.Errorf("phone integration is disabled")
		}
		notifications, err := a.phone.Notifications(ctx)
		if err != nil {
			return nil, fmt.Errorf("get_notifications: %w", err)
		}
		return okResult(map[string]any{"action": "get_notifications", "notifications": notifications}), nil

	case "search_apps":
		if a.store == nil {
			return nil, fmt.Errorf("store integration is disabled")
		}
		query, err := stringArg(metadata, "query")
		if err != nil {
			return nil, err
		}
		limit := 10
		if n, ok := metadata["limit"].(float64); ok && n > 0 {
			limit = int(n)
		}
		apps, err := a.store.SearchApps(ctx, query, limit)
		if err != nil {
			return nil, fmt.Errorf("search_apps: %w", err)
		}
		return okResult(map[string]any{"action": "search_apps", "results": apps}), nil

	case "install_app":
		if a.store == nil {
			return nil, fmt.Errorf("store integration is disabled")
		}
		pkg, err := stringArg(metadata, "package_name")
		if err != nil {
			return nil, err
		}
		if err := a.store.InstallApp(ctx, pkg); err != nil {
			return nil, fmt.Errorf("install_app: %w", err)
		}
		return okResult(map[string]string{"action": "install_app", "package_name": pkg}), nil

	case "uninstall_app":
		if a.store == nil {
			return nil, fmt.Errorf("store integration is disabled")
		}
		pkg, err := stringArg(metadata, "package_name")
		if err != nil {
			return nil, err
		}
		if err := a.store.UninstallApp(ctx, pkg); err != nil {
			return nil, fmt.Errorf("uninstall_app: %w", err)
		}
		return okResult(map[string]string{"action": "uninstall_app", "package_name": pkg}), nil

	default:
		return nil, fmt.Errorf("unknown action %q", content)
	}
}

func okResult(content any) *Result {
	return &Result{Status: StatusSuccess, Content: content}
}

func stringArg(metadata map[string]any, key string) (string, error) {
	v, ok := metadata[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("action requires metadata field %q", key)
	}
	return v, nil
}
