package notify

import "fmt"

// Template types accepted by the messaging collaborator.
const (
	TypeNewInsight      = "new_insight"
	TypeComment         = "comment"
	TypeShare           = "share"
	TypeProblemResolved = "problem_resolved"
)

// TemplateData carries the fields the templates interpolate. Unused
// fields are ignored by the selected template.
type TemplateData struct {
	ProblemTitle   string
	InsightContent string
	CommentContent string
	SharedBy       string
	ProblemID      string
	DashboardURL   string
}

// Render produces the subject and HTML body for a template type.
func Render(templateType string, data TemplateData) (subject, html string, err error) {
	switch templateType {
	case TypeNewInsight:
		subject = fmt.Sprintf("New Insight for %q", data.ProblemTitle)
		html = fmt.Sprintf(`<div style="font-family: sans-serif; max-width: 600px; margin: 0 auto;">
  <h1>New Insight Available</h1>
  <p>A new reasoning insight is ready for your problem:</p>
  <h3>%s</h3>
  <div style="background: #f5f5f5; padding: 15px; border-radius: 8px;">
    <p>%s</p>
  </div>
  <a href="%s">View Full Insight</a>
</div>`, data.ProblemTitle, snippet(data.InsightContent, 200), data.DashboardURL)

	case TypeComment:
		subject = fmt.Sprintf("New Comment on %q", data.ProblemTitle)
		html = fmt.Sprintf(`<div style="font-family: sans-serif; max-width: 600px; margin: 0 auto;">
  <h1>New Comment</h1>
  <p>Someone commented on your problem:</p>
  <h3>%s</h3>
  <div style="background: #f5f5f5; padding: 15px; border-radius: 8px;">
    <p>%s</p>
  </div>
  <a href="%s">View Comment</a>
</div>`, data.ProblemTitle, data.CommentContent, data.DashboardURL)

	case TypeShare:
		subject = fmt.Sprintf("%s shared a problem with you", data.SharedBy)
		html = fmt.Sprintf(`<div style="font-family: sans-serif; max-width: 600px; margin: 0 auto;">
  <h1>Problem Shared With You</h1>
  <p><strong>%s</strong> has shared a problem with you:</p>
  <h3>%s</h3>
  <a href="%s">View Problem</a>
</div>`, data.SharedBy, data.ProblemTitle, data.DashboardURL)

	case TypeProblemResolved:
		subject = fmt.Sprintf("Problem Resolved: %q", data.ProblemTitle)
		html = fmt.Sprintf(`<div style="font-family: sans-serif; max-width: 600px; margin: 0 auto;">
  <h1 style="color: #22c55e;">Problem Resolved</h1>
  <p>Great news! Your problem has been marked as resolved:</p>
  <h3>%s</h3>
  <a href="%s">View Problem</a>
</div>`, data.ProblemTitle, data.DashboardURL)

	default:
		return "", "", fmt.Errorf("unknown template type %q", templateType)
	}
	return subject, html, nil
}

func snippet(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
