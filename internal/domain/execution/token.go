package execution

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/Strob0t/DocFlow/internal/domain"
)

const tokenPrefix = "wt"

var b64 = base64.RawURLEncoding

// NewWaitToken mints an unguessable token that also names the execution and
// unit it resolves, so completion never needs a secondary index.
func NewWaitToken(executionID, unitID string) string {
	return strings.Join([]string{
		tokenPrefix,
		b64.EncodeToString([]byte(executionID)),
		b64.EncodeToString([]byte(unitID)),
		strings.ReplaceAll(uuid.NewString(), "-", ""),
	}, ".")
}

// ParseWaitToken extracts the execution and unit ids from a wait token.
func ParseWaitToken(token string) (executionID, unitID string, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 || parts[0] != tokenPrefix || parts[3] == "" {
		return "", "", fmt.Errorf("malformed wait token: %w", domain.ErrValidation)
	}
	exec, err := b64.DecodeString(parts[1])
	if err != nil || len(exec) == 0 {
		return "", "", fmt.Errorf("malformed wait token: %w", domain.ErrValidation)
	}
	unit, err := b64.DecodeString(parts[2])
	if err != nil || len(unit) == 0 {
		return "", "", fmt.Errorf("malformed wait token: %w", domain.ErrValidation)
	}
	return string(exec), string(unit), nil
}

func clientToken(executionID string, attempt int) string {
	return executionID + "-" + strconv.Itoa(attempt)
}
