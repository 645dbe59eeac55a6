package media

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvatarKey(t *testing.T) {
	tests := []struct {
		contentType string
		wantExt     string
		wantErr     bool
	}{
		{"image/png", ".png", false},
		{"image/jpeg", ".jpg", false},
		{"IMAGE/JPEG; charset=binary", ".jpg", false},
		{"image/webp", ".webp", false},
		{"text/html", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			key, err := AvatarKey(tt.contentType)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedType)
				return
			}
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(key, "avatars/"), key)
			assert.True(t, strings.HasSuffix(key, tt.wantExt), key)
		})
	}
}

func TestAvatarKey_Unique(t *testing.T) {
	a, _ := AvatarKey("image/png")
	b, _ := AvatarKey("image/png")
	assert.NotEqual(t, a, b)
}

// =========================================================================
// LOCAL STORE TESTS
// =========================================================================

func TestLocalStore_Put(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir, "http://localhost:8080/media/")
	require.NoError(t, err)

	url, err := store.Put(context.Background(), "avatars/abc.png", strings.NewReader("png-bytes"), "image/png")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080/media/avatars/abc.png", url)
	data, err := os.ReadFile(filepath.Join(dir, "avatars", "abc.png"))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
}

func TestLocalStore_RejectsTraversal(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "/media")
	require.NoError(t, err)

	for _, key := range []string{"../escape.png", "avatars/../../x.png", ""} {
		_, err := store.Put(context.Background(), key, strings.NewReader("x"), "image/png")
		assert.Error(t, err, key)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestLocalStore_RemovesPartialFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir, "/media")
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "avatars/partial.png", failingReader{}, "image/png")
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "avatars", "partial.png"))
	assert.True(t, os.IsNotExist(statErr))
}

// =========================================================================
// S3 STORE TESTS
// =========================================================================

type mockS3Client struct {
	objects     map[string][]byte
	contentType map[string]string
	bucket      string
	putErr      error
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{objects: map[string][]byte{}, contentType: map[string]string{}}
}

func (m *mockS3Client) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Key)
	m.bucket = aws.ToString(in.Bucket)
	m.objects[key] = data
	m.contentType[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Store_Put(t *testing.T) {
	client := newMockS3Client()
	store := newS3Store(client, S3Config{Bucket: "avatars-bucket", Region: "eu-west-1"})

	url, err := store.Put(context.Background(), "avatars/a.jpg", strings.NewReader("jpeg"), "image/jpeg")
	require.NoError(t, err)

	assert.Equal(t, "https://avatars-bucket.s3.eu-west-1.amazonaws.com/avatars/a.jpg", url)
	assert.Equal(t, "avatars-bucket", client.bucket)
	assert.Equal(t, []byte("jpeg"), client.objects["avatars/a.jpg"])
	assert.Equal(t, "image/jpeg", client.contentType["avatars/a.jpg"])
}

func TestS3Store_PublicURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  S3Config
		want string
	}{
		{
			name: "explicit public url",
			cfg:  S3Config{Bucket: "b", Region: "us-east-1", PublicURL: "https://cdn.example.com/"},
			want: "https://cdn.example.com/avatars/a.png",
		},
		{
			name: "custom endpoint uses path style",
			cfg:  S3Config{Bucket: "b", Region: "us-east-1", Endpoint: "http://localhost:9000"},
			want: "http://localhost:9000/b/avatars/a.png",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newS3Store(newMockS3Client(), tt.cfg)
			url, err := store.Put(context.Background(), "avatars/a.png", strings.NewReader("x"), "image/png")
			require.NoError(t, err)
			assert.Equal(t, tt.want, url)
		})
	}
}

func TestS3Store_PutError(t *testing.T) {
	client := newMockS3Client()
	client.putErr = errors.New("access denied")
	store := newS3Store(client, S3Config{Bucket: "b", Region: "us-east-1"})

	_, err := store.Put(context.Background(), "avatars/a.png", strings.NewReader("x"), "image/png")
	assert.ErrorContains(t, err, "access denied")
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Config{Region: "us-east-1"})
	assert.Error(t, err)
}
