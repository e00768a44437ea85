// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

var levelRank = map[LogLevel]int{DEBUG: 0, INFO: 1, WARN: 2, ERROR: 3}

// Logger provides structured JSON logging for the gateway. Entries are
// keyed by request and credential ID; raw credentials never appear in
// a log entry, only their stored identifiers.
type Logger struct {
	Component string
	Container string
	minLevel  LogLevel
	out       io.Writer
}

// LogEntry is one structured log line.
type LogEntry struct {
	Timestamp    string                 `json:"timestamp"`
	Level        LogLevel               `json:"level"`
	Component    string                 `json:"component"`
	Container    string                 `json:"container"`
	CredentialID string                 `json:"credential_id,omitempty"`
	RequestID    string                 `json:"request_id,omitempty"`
	Message      string                 `json:"message"`
	Fields       map[string]interface{} `json:"fields,omitempty"`
}

// New creates a Logger for the specified component. The minimum level
// is taken from LOG_LEVEL (default INFO).
func New(component string) *Logger {
	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}

	minLevel := LogLevel(os.Getenv("LOG_LEVEL"))
	if _, ok := levelRank[minLevel]; !ok {
		minLevel = INFO
	}

	return &Logger{
		Component: component,
		Container: container,
		minLevel:  minLevel,
		out:       os.Stdout,
	}
}

// SetOutput redirects log output, for tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.out = w
}

// Log creates a structured log entry and writes it as one JSON line.
func (l *Logger) Log(level LogLevel, credentialID, requestID, message string, fields map[string]interface{}) {
	if levelRank[level] < levelRank[l.minLevel] {
		return
	}

	entry := LogEntry{
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		Level:        level,
		Component:    l.Component,
		Container:    l.Container,
		CredentialID: credentialID,
		RequestID:    requestID,
		Message:      message,
		Fields:       fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}

	jsonBytes = append(jsonBytes, '\n')
	l.out.Write(jsonBytes)
}

// Info logs an informational message
func (l *Logger) Info(credentialID, requestID, message string, fields map[string]interface{}) {
	l.Log(INFO, credentialID, requestID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(credentialID, requestID, message string, fields map[string]interface{}) {
	l.Log(ERROR, credentialID, requestID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(credentialID, requestID, message string, fields map[string]interface{}) {
	l.Log(WARN, credentialID, requestID, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(credentialID, requestID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, credentialID, requestID, message, fields)
}

// InfoWithDuration logs an info message with a duration field
func (l *Logger) InfoWithDuration(credentialID, requestID, message string, durationMS float64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = durationMS
	l.Info(credentialID, requestID, message, fields)
}

// ErrorWithCode logs an error with an HTTP status code
func (l *Logger) ErrorWithCode(credentialID, requestID, message string, statusCode int, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["status_code"] = statusCode
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(credentialID, requestID, message, fields)
}
