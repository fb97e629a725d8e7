package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type stubSecretsManager struct {
	values map[string]*secretsmanager.GetSecretValueOutput
	calls  int
}

func (s *stubSecretsManager) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	s.calls++
	out, ok := s.values[*in.SecretId]
	if !ok {
		return nil, errors.New("ResourceNotFoundException")
	}
	return out, nil
}

func text(v string) *secretsmanager.GetSecretValueOutput {
	return &secretsmanager.GetSecretValueOutput{SecretString: &v}
}

func TestAWSProvider_Get(t *testing.T) {
	sm := &stubSecretsManager{values: map[string]*secretsmanager.GetSecretValueOutput{
		"relayer/plain":  text(" 0xaa \n"),
		"relayer/json":   text(`{"source_key":"0xbb","count":3}`),
		"relayer/binary": {SecretBinary: []byte("0xcc")},
		"relayer/blank":  text("  "),
		"relayer/text":   text("not-json"),
	}}
	p, err := NewAWSWithClient(sm)
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}

	cases := []struct {
		key     string
		want    string
		wantErr error
	}{
		{key: "relayer/plain", want: "0xaa"},
		{key: "relayer/json#source_key", want: "0xbb"},
		{key: "relayer/binary", want: "0xcc"},
		{key: "relayer/json#count", wantErr: ErrNotFound},
		{key: "relayer/json#missing", wantErr: ErrNotFound},
		{key: "relayer/blank", wantErr: ErrNotFound},
		{key: "relayer/text#field", wantErr: ErrInvalidConfig},
		{key: "relayer/json#", wantErr: ErrInvalidConfig},
		{key: "#field", wantErr: ErrInvalidConfig},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			got, err := p.Get(context.Background(), tc.key)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("got %v want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("got %q err=%v want %q", got, err, tc.want)
			}
		})
	}

	if _, err := p.Get(context.Background(), "relayer/absent"); err == nil {
		t.Fatalf("expected the client error to surface")
	}
	if _, err := NewAWSWithClient(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil client: got %v", err)
	}
}

func TestFileProvider(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "relayer_key")
	if err := os.WriteFile(keyFile, []byte("0xdd\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	empty := filepath.Join(dir, "empty")
	if err := os.WriteFile(empty, nil, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := FileProvider{}.Get(context.Background(), keyFile)
	if err != nil || got != "0xdd" {
		t.Fatalf("Get: %q %v", got, err)
	}
	for _, path := range []string{filepath.Join(dir, "absent"), empty} {
		if _, err := (FileProvider{}).Get(context.Background(), path); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: got %v want ErrNotFound", path, err)
		}
	}
}

func TestResolver_Schemes(t *testing.T) {
	t.Setenv("RELAYER_TEST_KEYS", " 0x01,0x02 ")
	keyFile := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(keyFile, []byte("0x03"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	sm := &stubSecretsManager{values: map[string]*secretsmanager.GetSecretValueOutput{
		"relayer/mainnet": text(`{"keys":"0x04"}`),
	}}
	aws, _ := NewAWSWithClient(sm)
	r := NewResolverWith(NewEnv(), aws)

	cases := []struct {
		ref     string
		want    string
		wantErr error
	}{
		{ref: "env:RELAYER_TEST_KEYS", want: "0x01,0x02"},
		{ref: "file:" + keyFile, want: "0x03"},
		{ref: "aws-sm:relayer/mainnet#keys", want: "0x04"},
		{ref: " AWS-SM:relayer/mainnet#keys", want: "0x04"},
		{ref: "0x05", wantErr: ErrInvalidConfig},
		{ref: "env:", wantErr: ErrInvalidConfig},
		{ref: "vault:relayer", wantErr: ErrInvalidConfig},
		{ref: "env:RELAYER_TEST_UNSET", wantErr: ErrNotFound},
	}
	for _, tc := range cases {
		got, err := r.Resolve(context.Background(), tc.ref)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Resolve(%q): got %v want %v", tc.ref, err, tc.wantErr)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("Resolve(%q): got %q err=%v want %q", tc.ref, got, err, tc.want)
		}
	}
}

func TestResolver_BuildsAWSProviderOnce(t *testing.T) {
	sm := &stubSecretsManager{values: map[string]*secretsmanager.GetSecretValueOutput{"k": text("v")}}
	builds := 0
	r := &Resolver{env: NewEnv(), file: FileProvider{}, newAWS: func(context.Context) (Provider, error) {
		builds++
		return NewAWSWithClient(sm)
	}}
	for i := 0; i < 3; i++ {
		if v, err := r.Resolve(context.Background(), "aws-sm:k"); err != nil || v != "v" {
			t.Fatalf("Resolve: %q %v", v, err)
		}
	}
	if builds != 1 || sm.calls != 3 {
		t.Fatalf("builds=%d calls=%d", builds, sm.calls)
	}

	if _, err := NewResolverWith(NewEnv(), nil).Resolve(context.Background(), "aws-sm:k"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("unconfigured aws: got %v", err)
	}
}
