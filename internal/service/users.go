package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/mmeshcher/cardservice/internal/model"
	"github.com/mmeshcher/cardservice/internal/repository"
)

// Identity описывает подтверждённые данные внешней системы аутентификации.
type Identity struct {
	ExternalID string
	Email      string
	Role       model.Role
}

// EnsureUser возвращает пользователя по внешнему идентификатору, создавая его при первом обращении.
func (s *Service) EnsureUser(ctx context.Context, id Identity) (*model.User, error) {
	u, err := s.store.GetUserByExternalID(ctx, id.ExternalID)
	if err == nil {
		if id.Role != "" && u.Role != id.Role {
			u.Role = id.Role
			u.UpdatedAt = s.now()
			if err := s.store.UpdateUser(ctx, u); err != nil {
				return nil, err
			}
		}
		return u, nil
	}
	if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, err
	}

	u, err = model.NewUser(id.ExternalID, id.Email, id.Role, s.initialScore, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return s.store.GetUserByExternalID(ctx, id.ExternalID)
		}
		return nil, err
	}

	s.logger.Info("user registered", zap.String("userID", u.ID), zap.String("role", string(u.Role)))
	return u, nil
}

// GetUser возвращает пользователя по идентификатору.
func (s *Service) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.store.GetUser(ctx, id)
}
