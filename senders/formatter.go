package senders

import (
	"fmt"
	"html"
	"strings"

	"jobwatch/models"
)

func JobsEmailSubject(categoryName string) string {
	return fmt.Sprintf("وظائف جديدة في %s", categoryName)
}

func JobsEmailBody(categoryName string, jobs models.Jobs, preferencesURL string) string {
	b := new(strings.Builder)
	fmt.Fprintf(b, "<h3>وظائف جديدة في %s</h3>\n<ul>\n", html.EscapeString(categoryName))
	for _, job := range jobs {
		fmt.Fprintf(b, `<li><a href="%s">%s</a>%s</li>`+"\n",
			job.URL, html.EscapeString(job.Title), hireRateSuffix(job),
		)
	}
	fmt.Fprintf(b, `</ul>
<p><a href="%s">إدارة التفضيلات أو إلغاء الاشتراك</a></p>`, preferencesURL)
	return b.String()
}

func JobsTelegramSubject(categoryName string) string {
	return fmt.Sprintf("وظائف جديدة في %s", categoryName)
}

func JobsTelegramBody(jobs models.Jobs) string {
	b := new(strings.Builder)
	for _, job := range jobs {
		fmt.Fprintf(b, `• <a href="%s">%s</a>%s`+"\n",
			job.URL, html.EscapeString(job.Title), hireRateSuffix(job),
		)
	}
	return strings.TrimRight(b.String(), "\n")
}

func hireRateSuffix(job models.Job) string {
	if !job.HireRate.Valid {
		return ""
	}
	return fmt.Sprintf(" (معدل التوظيف %.0f%%)", job.HireRate.Float64)
}

func VerificationEmailSubject() string {
	return "تأكيد الاشتراك في تنبيهات الوظائف"
}

func VerificationEmailBody(verifyURL string) string {
	return fmt.Sprintf(`اضغط هنا لتأكيد بريدك الإلكتروني: <a href="%s">%s</a>`, verifyURL, verifyURL)
}

func BroadcastSubject() string {
	return "إعلان من خدمة تنبيهات الوظائف"
}
