package repository

import (
	"errors"
	"gzctf_core/internal/util"

	"gorm.io/gorm"
)

// notFound 将 gorm 的 ErrRecordNotFound 统一为 util.ErrNotFound
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return util.ErrNotFound
	}
	return err
}
