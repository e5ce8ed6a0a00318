package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/supabase-community/supabase-go"
)

// SupabaseArchiver uploads each transcript as a JSON object to a Storage
// bucket under <yyyy-mm-dd>/<session>.json.
type SupabaseArchiver struct {
	client *supabase.Client
	bucket string
}

func NewSupabaseArchiver(url, serviceKey, bucket string) (*SupabaseArchiver, error) {
	if url == "" || serviceKey == "" {
		return nil, errors.New("archive: SUPABASE_URL and SUPABASE_KEY are required")
	}
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("archive: supabase client: %w", err)
	}
	return &SupabaseArchiver{client: client, bucket: bucket}, nil
}

// ObjectKey is where t is stored in the bucket.
func ObjectKey(t Transcript) string {
	return path.Join(t.EndedAt.UTC().Format("2006-01-02"), t.SessionID+".json")
}

func (s *SupabaseArchiver) Save(ctx context.Context, t Transcript) error {
	data, err := encode(t)
	if err != nil {
		return err
	}
	// the storage client has no context support; give up waiting instead
	errCh := make(chan error, 1)
	go func() {
		_, err := s.client.Storage.UploadFile(s.bucket, ObjectKey(t), bytes.NewReader(data))
		errCh <- err
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("archive: upload to supabase: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
