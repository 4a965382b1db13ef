package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "main":
		return mainTemplate, nil
	case "process":
		return processTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const mainTemplate = `process = "com.example.app"
app = "com.example.app"
listen_addr = "127.0.0.1:7100"
admin_addr = "127.0.0.1:7180"
heartbeat = "5s"
auth_token = "temp-auth-key"
cors_origins = ["http://localhost:3000"]
fan_out_limit = 8

[[peers]]
name = "com.example.app:worker"
addr = "127.0.0.1:7101"

[session]
connect_timeout = "5s"
handshake_timeout = "5s"
read_timeout = "15s"
write_timeout = "15s"
call_timeout = "10s"
security_mode = "development"
max_connect_attempts = 3

[session.tls]
enabled = false
mutual = false
`

const processTemplate = `process = "com.example.app:worker"
app = "com.example.app"
listen_addr = "127.0.0.1:7101"
admin_addr = "127.0.0.1:7181"
main_addr = "127.0.0.1:7100"
heartbeat = "5s"
auth_token = "temp-auth-key"

[session]
security_mode = "development"

[session.tls]
enabled = false
mutual = false
`
