package auth

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	fbauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

// FirebaseConfig identifies the Firebase project whose ID tokens are accepted
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// Firebase verifies Firebase ID tokens with the Admin SDK
type Firebase struct {
	client *fbauth.Client
}

var _ Verifier = (*Firebase)(nil)

// NewFirebase creates a verifier. Without a credentials file the application
// default credentials are used.
func NewFirebase(ctx context.Context, cfg FirebaseConfig) (*Firebase, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase auth: %w", err)
	}
	return &Firebase{client: client}, nil
}

func (f *Firebase) Verify(ctx context.Context, raw string) (string, error) {
	if raw == "" {
		return "", ErrMissingToken
	}
	token, err := f.client.VerifyIDToken(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return token.UID, nil
}
