package posting

import (
	"context"
	"errors"
	"fmt"

	"github.com/ads-marketplace/dealflow/internal/apperr"
	"github.com/ads-marketplace/dealflow/internal/jobqueue"
	"github.com/google/uuid"
)

const (
	JobPublish = "post.publish"
	JobVerify  = "post.verify"
	JobDelete  = "post.delete"
)

func PublishKey(postID uuid.UUID) string {
	return "publish:" + postID.String()
}

func VerifyKey(postID uuid.UUID, checkpoint int) string {
	return fmt.Sprintf("verify:%s:%d", postID, checkpoint)
}

func DeleteKey(postID uuid.UUID) string {
	return "delete:" + postID.String()
}

type postPayload struct {
	PostID uuid.UUID `json:"post_id"`
}

type verifyPayload struct {
	PostID     uuid.UUID `json:"post_id"`
	Checkpoint int       `json:"checkpoint"`
	Final      bool      `json:"final"`
}

func (s *Service) RegisterJobs(r jobqueue.Registrar) {
	r.Handle(JobPublish, s.handlePublish)
	r.Handle(JobVerify, s.handleVerify)
	r.Handle(JobDelete, s.handleDelete)
}

func (s *Service) handlePublish(ctx context.Context, job *jobqueue.Job) error {
	var p postPayload
	if err := job.Decode(&p); err != nil {
		return jobqueue.Permanent(err)
	}
	_, err := s.PublishPost(ctx, p.PostID)
	return jobError(err)
}

func (s *Service) handleVerify(ctx context.Context, job *jobqueue.Job) error {
	var p verifyPayload
	if err := job.Decode(&p); err != nil {
		return jobqueue.Permanent(err)
	}
	_, err := s.VerifyPost(ctx, p.PostID, p.Checkpoint, p.Final)
	return jobError(err)
}

func (s *Service) handleDelete(ctx context.Context, job *jobqueue.Job) error {
	var p postPayload
	if err := job.Decode(&p); err != nil {
		return jobqueue.Permanent(err)
	}
	return jobError(s.DeletePost(ctx, p.PostID))
}

// jobError stops retries for errors another attempt cannot fix.
func jobError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrInvalidTransition) {
		return jobqueue.Permanent(err)
	}
	return err
}
