package flow

import (
	"regexp"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\(?[0-9][0-9 ().\-]{6,}[0-9]`)
	urlPattern   = regexp.MustCompile(`(?i)\b(?:https?://)?(?:www\.)?[a-z0-9\-]+(?:\.[a-z0-9\-]+)*\.[a-z]{2,}(?:/\S*)?`)
)

// BuildLead pulls contact and location details out of the answers so the
// external validators and the lead alert can use them.
func BuildLead(sessionID, formID string, catalog []models.Question, responses []models.Response, client *models.Client) models.Lead {
	lead := models.Lead{SessionID: sessionID, FormID: formID}
	if client != nil {
		lead.ServiceArea = client.ServiceArea
		lead.RadiusMiles = client.ServiceRadiusMiles
	}
	idx := models.QuestionIndex(catalog)

	for _, r := range responses {
		if !r.IsReal() {
			continue
		}
		answer := strings.TrimSpace(r.Answer)
		text := strings.ToLower(idx[r.QuestionID].Text + " " + r.QuestionID)

		if lead.Email == "" {
			if m := emailPattern.FindString(answer); m != "" {
				lead.Email = m
			}
		}
		switch {
		case strings.Contains(text, "email") || strings.Contains(text, "e-mail"):
		case strings.Contains(text, "phone") || strings.Contains(text, "number to reach"):
			if lead.Phone == "" {
				lead.Phone = phonePattern.FindString(answer)
			}
		case strings.Contains(text, "company") || strings.Contains(text, "business name") || strings.Contains(text, "organization"):
			setOnce(&lead.Company, answer)
		case strings.Contains(text, "website") || strings.Contains(text, "url"):
			if lead.Website == "" {
				lead.Website = urlPattern.FindString(answer)
			}
		case strings.Contains(text, "address") || strings.Contains(text, "location") || strings.Contains(text, "zip") || strings.Contains(text, "where is"):
			setOnce(&lead.Address, answer)
		case strings.Contains(text, "name"):
			setOnce(&lead.Name, answer)
		}
	}
	return lead
}

func setOnce(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}
