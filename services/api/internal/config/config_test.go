package config

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

func TestProcess(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    func(Config) Config
		wantErr bool
	}{
		{
			name: "defaults",
			env:  map[string]string{"DATABASE_URL": "postgres://pcdeploy@db/pcdeploy"},
			want: func(c Config) Config { return c },
		},
		{
			name: "overrides",
			env: map[string]string{
				"DATABASE_URL":            "postgres://pcdeploy@db/pcdeploy",
				"ADDR":                    ":9090",
				"NATS_URL":                "nats://nats:4222",
				"CORS_ALLOWED_ORIGINS":    "https://ops.lab,https://admin.lab",
				"DRBL_IMAGE_HOME":         "/srv/partimag",
				"DRBL_MULTICAST_MAX_WAIT": "15m",
				"DRBL_SIMULATE":           "true",
				"S3_ENDPOINT":             "minio:9000",
				"S3_ACCESS_KEY":           "key",
				"S3_SECRET_KEY":           "secret",
			},
			want: func(c Config) Config {
				c.Addr = ":9090"
				c.NATSURL = "nats://nats:4222"
				c.AllowedOrigins = []string{"https://ops.lab", "https://admin.lab"}
				c.DRBL.ImageHome = "/srv/partimag"
				c.DRBL.MulticastMaxWait = 15 * time.Minute
				c.DRBL.Simulate = true
				c.S3.Endpoint = "minio:9000"
				c.S3.AccessKey = "key"
				c.S3.SecretKey = "secret"
				return c
			},
		},
		{
			name:    "missing database url",
			env:     map[string]string{},
			wantErr: true,
		},
		{
			name:    "s3 endpoint without credentials",
			env:     map[string]string{"DATABASE_URL": "postgres://db", "S3_ENDPOINT": "minio:9000"},
			wantErr: true,
		},
		{
			name:    "bad duration",
			env:     map[string]string{"DATABASE_URL": "postgres://db", "DRBL_STOP_TIMEOUT": "soon"},
			wantErr: true,
		},
	}

	base := Config{
		Addr:           ":8080",
		DatabaseURL:    "postgres://pcdeploy@db/pcdeploy",
		AllowedOrigins: []string{"*"},
		RateLimit:      300,
		DRBL: DRBL{
			BinDir:           "/opt/drbl/sbin",
			ImageHome:        "/home/partimag",
			LogDir:           "/var/log/clonezilla",
			MulticastMaxWait: 300 * time.Second,
			UnicastTimeout:   600 * time.Second,
			StopTimeout:      10 * time.Second,
		},
		S3: S3{
			Region:         "us-east-1",
			Bucket:         "pcdeploy-tool-logs",
			ForcePathStyle: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Process(context.Background(), envconfig.MapLookuper(tt.env))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Process() = %+v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Process: %v", err)
			}
			want := tt.want(base)
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("Process() = %+v, want %+v", got, want)
			}
		})
	}
}
