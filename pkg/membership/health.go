package membership

import "fmt"

// HealthReporter is implemented by memberships that can score their own
// view of the cluster. 0 is healthy, higher is degraded and -1 means the
// membership is not running.
type HealthReporter interface {
    HealthScore() int
}

// HealthWarning returns a status warning for a degraded membership, or ""
// when m is healthy, stopped, or cannot report health.
func HealthWarning(m Membership) string {
    hr, ok := m.(HealthReporter)
    if !ok { return "" }
    if score := hr.HealthScore(); score > 0 {
        return fmt.Sprintf("membership health score %d (0 is healthy)", score)
    }
    return ""
}
