package storage

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"reelforge/internal/adapters/storage/gdrive"
	"reelforge/internal/adapters/storage/localfs"
	"reelforge/internal/adapters/storage/s3"
	"reelforge/internal/pkg/env"
)

// NewProvider builds the artifact store selected by STORAGE_PROVIDER.
// Credentials are environment-supplied and read once here; rotation
// requires a process restart.
func NewProvider() (Provider, error) {
	switch provider := env.Get("STORAGE_PROVIDER", "localfs"); provider {
	case "localfs":
		return localfs.New(env.Must("STORAGE_LOCAL_ROOT")), nil

	case "s3":
		return newS3Provider()

	case "gdrive":
		return newGDriveProvider()

	default:
		return nil, fmt.Errorf("unknown storage provider: %s", provider)
	}
}

func newS3Provider() (Provider, error) {
	endpoint := env.Must("S3_ENDPOINT")
	accessKey := env.Must("S3_ACCESS_KEY")
	secretKey := env.Must("S3_SECRET_KEY")
	bucket := env.Must("S3_BUCKET")
	region := env.Get("S3_REGION", "")
	useSSL := env.Bool("S3_USE_SSL", true)

	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client init failed: %w", err)
	}

	return s3.NewClient(mc, bucket), nil
}

func newGDriveProvider() (Provider, error) {
	ctx := context.Background()

	conf := &oauth2.Config{
		ClientID:     env.Must("GDRIVE_CLIENT_ID"),
		ClientSecret: env.Must("GDRIVE_CLIENT_SECRET"),
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}

	tok := &oauth2.Token{RefreshToken: env.Must("GDRIVE_REFRESH_TOKEN")}
	httpClient := conf.Client(ctx, tok)

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, err
	}

	return gdrive.NewClient(srv, env.Get("GDRIVE_FOLDER_ID", "")), nil
}
