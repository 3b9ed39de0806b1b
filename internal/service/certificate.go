package service

import (
	"context"

	"signdesk/internal/certificate"
	"signdesk/internal/models"
)

// Certificate renders the completion certificate of a completed request.
func (s *Service) Certificate(ctx context.Context, ownerID, requestID string) ([]byte, error) {
	req, err := s.ownedRequest(ctx, ownerID, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.RequestCompleted || req.CompletedAt == nil {
		return nil, ErrNotCompleted
	}
	doc, err := s.repo.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}
	recipients, err := s.repo.ListRecipients(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	values, err := s.repo.ListFieldValues(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	filled := map[string]int{}
	for _, v := range values {
		filled[v.RecipientID]++
	}

	data := certificate.Data{
		RequestID:           req.ID,
		Title:               req.Title,
		DocumentTitle:       doc.Title,
		DocumentFingerprint: certificate.Fingerprint([]byte(doc.Content)),
		SentAt:              req.SentAt,
		CompletedAt:         *req.CompletedAt,
		GeneratedAt:         s.now(),
	}
	for _, r := range recipients {
		signer := certificate.Signer{
			Order:        r.SigningOrder,
			Name:         r.Name,
			Email:        r.Email,
			Role:         r.Role,
			ViewedAt:     r.ViewedAt,
			SignedAt:     r.SignedAt,
			FieldsFilled: filled[r.ID],
		}
		if r.SignedIP != nil {
			signer.SignedIP = *r.SignedIP
		}
		if r.SignedUserAgent != nil {
			signer.SignedUserAgent = *r.SignedUserAgent
		}
		data.Signers = append(data.Signers, signer)
	}
	return certificate.Render(data)
}
