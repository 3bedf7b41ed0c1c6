package main

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func cleanMimeType(input string) string {
	value := strings.TrimSpace(strings.ToLower(input))
	if before, _, found := strings.Cut(value, ";"); found {
		value = strings.TrimSpace(before)
	}
	return value
}

// detectImageType trusts the declared type only when it is allowed, then
// falls back to sniffing the bytes. It returns "" for anything else.
func detectImageType(data []byte, declared string) string {
	if mimeType := cleanMimeType(declared); mimeType != "" {
		if _, ok := allowedImageTypes[mimeType]; ok {
			return mimeType
		}
	}
	mimeType := cleanMimeType(http.DetectContentType(data))
	if _, ok := allowedImageTypes[mimeType]; ok {
		return mimeType
	}
	return ""
}

func (a *App) uploadImageHandler(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "validation_failed", Message: "Missing image file"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "validation_failed", Message: "Could not read image"})
		return
	}
	if len(data) == 0 {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "validation_failed", Message: "Image is empty"})
		return
	}
	if len(data) > maxUploadBytes {
		writeAPIError(c, &apiError{Status: http.StatusRequestEntityTooLarge, Code: "validation_failed", Message: "Image exceeds 10 MiB"})
		return
	}
	mimeType := detectImageType(data, header.Header.Get("Content-Type"))
	if mimeType == "" {
		writeAPIError(c, &apiError{Status: http.StatusUnsupportedMediaType, Code: "validation_failed", Message: "Only JPEG, WebP and PNG images are accepted"})
		return
	}

	key := newObjectKey(a.clock(), allowedImageTypes[mimeType])
	publicURL, err := a.images.Put(c.Request.Context(), key, data, mimeType)
	if err != nil {
		a.log.Error("image upload failed", "key", key, "err", err)
		writeAPIError(c, &apiError{Status: http.StatusBadGateway, Code: "remote_operation_failed", Message: "Image upload failed"})
		return
	}
	deleteToken, err := a.createDeleteToken(key)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	a.log.Info("image uploaded", "key", key, "bytes", len(data), "mime_type", mimeType, "store", a.images.Name())
	c.JSON(http.StatusCreated, gin.H{"key": key, "url": publicURL, "delete_token": deleteToken})
}

// deleteImageHandler removes an upload whose report was never recorded. The
// delete token proves the caller performed the upload; images a report points
// at are never removed.
func (a *App) deleteImageHandler(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if !validObjectKey(key) {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "validation_failed", Message: "Invalid object key"})
		return
	}
	if err := a.verifyDeleteToken(c.GetHeader(deleteTokenHeader), key); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusForbidden, Code: "forbidden", Message: "Invalid or expired delete token"})
		return
	}

	ctx := c.Request.Context()
	referenced, err := a.imageKeyReferenced(ctx, key)
	if err != nil {
		a.log.Error("image reference lookup failed", "key", key, "err", err)
		writeAPIError(c, err)
		return
	}
	if referenced {
		a.log.Warn("refused to delete image in use", "key", key)
		writeAPIError(c, &apiError{Status: http.StatusConflict, Code: "image_in_use", Message: "Image belongs to a stored report"})
		return
	}
	if err := a.images.Delete(ctx, key); err != nil && !errors.Is(err, errObjectNotFound) {
		a.log.Error("image delete failed", "key", key, "err", err)
		writeAPIError(c, &apiError{Status: http.StatusBadGateway, Code: "remote_operation_failed", Message: "Image delete failed"})
		return
	}
	if err := a.recordEvent(ctx, 0, "image_orphan_removed", "reporter", map[string]any{"key": key}); err != nil {
		a.log.Warn("failed to record orphan removal", "key", key, "err", err)
	}
	c.Status(http.StatusNoContent)
}

func (a *App) serveImageHandler(c *gin.Context) {
	disk, ok := a.images.(*DiskStore)
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	key := strings.TrimPrefix(c.Param("key"), "/")
	if !validObjectKey(key) {
		c.Status(http.StatusNotFound)
		return
	}
	fullPath, err := disk.Open(key)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.File(fullPath)
}
