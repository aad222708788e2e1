package environment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/runtarahq/runtara/internal/fault"
	"github.com/runtarahq/runtara/internal/logger"
	"github.com/runtarahq/runtara/internal/protocol"
	"github.com/runtarahq/runtara/internal/store"
	"github.com/runtarahq/runtara/pkg/api"
)

// Single-frame uploads are capped well below the frame ceiling; larger
// binaries must use the streaming operation.
const maxSingleFrameImage = 16 << 20

// RegisterImage registers a binary carried in one frame. Blobs are content
// addressed: re-registering identical bytes returns the existing image.
func (s *Service) RegisterImage(ctx context.Context, req *api.RegisterImageRequest) (*api.RegisterImageResponse, error) {
	if req.TenantID == "" || req.Name == "" {
		return nil, fault.Invalid("tenant_id and name are required")
	}
	if len(req.Binary) == 0 {
		return nil, fault.Invalid("binary is empty")
	}
	if len(req.Binary) > maxSingleFrameImage {
		return nil, fault.Newf(fault.CodeImageTooLarge, fault.CategoryPermanent,
			"binary is %d bytes; use the streaming upload above %d", len(req.Binary), maxSingleFrameImage)
	}

	sum := sha256.Sum256(req.Binary)
	digest := hex.EncodeToString(sum[:])

	if existing, err := s.checkImageName(ctx, req.TenantID, req.Name, digest); err != nil {
		return nil, err
	} else if existing != nil {
		return &api.RegisterImageResponse{Success: true, ImageID: existing.ID}, nil
	}
	if existing, err := s.store.GetImageByDigest(ctx, req.TenantID, digest); err != nil {
		return nil, err
	} else if existing != nil {
		return &api.RegisterImageResponse{Success: true, ImageID: existing.ID}, nil
	}

	blobPath, err := s.writeBlob(digest, req.Binary)
	if err != nil {
		return nil, err
	}
	return s.commitImage(ctx, &store.Image{
		ID:         uuid.NewString(),
		TenantID:   req.TenantID,
		Name:       req.Name,
		Digest:     digest,
		SizeBytes:  int64(len(req.Binary)),
		RunnerKind: req.RunnerKind,
		Metadata:   req.Metadata,
		BlobPath:   blobPath,
	})
}

// RegisterImageStream handles the chunked upload variant. The blob is
// spooled to a temp file while hashing, then renamed into the
// content-addressed location once the digest is known.
func (s *Service) RegisterImageStream(ctx context.Context, start *api.RegisterImageStreamStart, stream *protocol.StreamReader) (*api.RegisterImageResponse, error) {
	if start.TenantID == "" || start.Name == "" {
		return nil, fault.Invalid("tenant_id and name are required")
	}
	if s.cfg.MaxImageBytes > 0 && start.TotalSize > s.cfg.MaxImageBytes {
		return nil, fault.Newf(fault.CodeImageTooLarge, fault.CategoryPermanent,
			"declared size %d exceeds limit %d", start.TotalSize, s.cfg.MaxImageBytes)
	}
	log := logger.FromContext(ctx, s.log)

	if err := os.MkdirAll(s.imageDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.imageDir(), "upload-*")
	if err != nil {
		return nil, fmt.Errorf("create upload spool: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	defer tmp.Close()

	hasher := sha256.New()
	var total int64
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fault.New(fault.CodeFraming, "stream read failed", fault.CategoryTransient).WithCause(err)
		}
		total += int64(len(chunk))
		if s.cfg.MaxImageBytes > 0 && total > s.cfg.MaxImageBytes {
			return nil, fault.Newf(fault.CodeImageTooLarge, fault.CategoryPermanent,
				"upload exceeds limit %d", s.cfg.MaxImageBytes)
		}
		if s.uploadLimiter != nil {
			if err := s.uploadLimiter.WaitN(ctx, len(chunk)); err != nil {
				return nil, err
			}
		}
		hasher.Write(chunk)
		if _, err := tmp.Write(chunk); err != nil {
			return nil, fmt.Errorf("spool upload: %w", err)
		}
	}
	if total == 0 {
		return nil, fault.Invalid("upload is empty")
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close upload spool: %w", err)
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	if existing, err := s.checkImageName(ctx, start.TenantID, start.Name, digest); err != nil {
		return nil, err
	} else if existing != nil {
		log.Info("streamed upload deduplicated", "image_id", existing.ID, "digest", digest)
		return &api.RegisterImageResponse{Success: true, ImageID: existing.ID}, nil
	}
	if existing, err := s.store.GetImageByDigest(ctx, start.TenantID, digest); err != nil {
		return nil, err
	} else if existing != nil {
		log.Info("streamed upload deduplicated", "image_id", existing.ID, "digest", digest)
		return &api.RegisterImageResponse{Success: true, ImageID: existing.ID}, nil
	}

	blobPath := s.blobPath(digest)
	if err := os.Rename(tmpName, blobPath); err != nil {
		return nil, fmt.Errorf("commit blob: %w", err)
	}
	if err := os.Chmod(blobPath, 0o755); err != nil {
		return nil, fmt.Errorf("mark blob executable: %w", err)
	}
	return s.commitImage(ctx, &store.Image{
		ID:         uuid.NewString(),
		TenantID:   start.TenantID,
		Name:       start.Name,
		Digest:     digest,
		SizeBytes:  total,
		RunnerKind: start.RunnerKind,
		Metadata:   start.Metadata,
		BlobPath:   blobPath,
	})
}

// ListImages returns one tenant page.
func (s *Service) ListImages(ctx context.Context, req *api.ListImagesRequest) (*api.ListImagesResponse, error) {
	if req.TenantID == "" {
		return nil, fault.Invalid("tenant_id is required")
	}
	filter := store.ImageFilter{TenantID: req.TenantID, Limit: req.Limit, Offset: req.Offset}
	images, err := s.store.ListImages(ctx, filter)
	if err != nil {
		return nil, err
	}
	total, err := s.store.CountImages(ctx, filter)
	if err != nil {
		return nil, err
	}
	resp := &api.ListImagesResponse{Images: make([]api.ImageInfo, 0, len(images)), Total: total}
	for _, img := range images {
		resp.Images = append(resp.Images, imageInfo(img))
	}
	return resp, nil
}

// GetImage fetches one image's metadata.
func (s *Service) GetImage(ctx context.Context, req *api.GetImageRequest) (*api.GetImageResponse, error) {
	if req.ImageID == "" {
		return nil, fault.Invalid("image_id is required")
	}
	img, err := s.store.GetImage(ctx, req.ImageID)
	if fault.IsNotFound(err) {
		return &api.GetImageResponse{Found: false}, nil
	}
	if err != nil {
		return nil, err
	}
	info := imageInfo(img)
	return &api.GetImageResponse{Found: true, Image: &info}, nil
}

// DeleteImage removes an image and its blob. Deletion is blocked while any
// non-terminal instance still references the image.
func (s *Service) DeleteImage(ctx context.Context, req *api.DeleteImageRequest) (*api.DeleteImageResponse, error) {
	if req.ImageID == "" {
		return nil, fault.Invalid("image_id is required")
	}
	img, err := s.store.GetImage(ctx, req.ImageID)
	if err != nil {
		return nil, err
	}
	live, err := s.store.CountLiveInstancesByImage(ctx, req.ImageID)
	if err != nil {
		return nil, err
	}
	if live > 0 {
		return nil, fault.Newf(fault.CodeImageInUse, fault.CategoryPermanent,
			"image %q has %d live instances", req.ImageID, live)
	}
	if err := s.store.DeleteImage(ctx, req.ImageID); err != nil {
		return nil, err
	}
	// Blobs are content addressed, so only unreferenced blobs go away.
	if img.BlobPath != "" {
		if same, err := s.digestStillReferenced(ctx, img); err == nil && !same {
			os.Remove(img.BlobPath)
		}
	}
	return &api.DeleteImageResponse{Success: true}, nil
}

// checkImageName enforces per-tenant name uniqueness. Re-registering the
// same content under the same name is idempotent and returns the existing
// image; the same name over different content is a conflict.
func (s *Service) checkImageName(ctx context.Context, tenantID, name, digest string) (*store.Image, error) {
	existing, err := s.store.GetImageByName(ctx, tenantID, name)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}
	if existing.Digest == digest {
		return existing, nil
	}
	return nil, fault.Newf(fault.CodeAlreadyExists, fault.CategoryPermanent,
		"image name %q is already registered with different content", name)
}

func (s *Service) digestStillReferenced(ctx context.Context, img *store.Image) (bool, error) {
	other, err := s.store.GetImageByDigest(ctx, img.TenantID, img.Digest)
	if err != nil {
		return true, err
	}
	return other != nil, nil
}

func (s *Service) commitImage(ctx context.Context, img *store.Image) (*api.RegisterImageResponse, error) {
	if img.RunnerKind == "" {
		img.RunnerKind = s.runner.Kind()
	}
	if err := s.store.CreateImage(ctx, img); err != nil {
		return nil, err
	}
	logger.FromContext(ctx, s.log).Info("image registered",
		"image_id", img.ID, "tenant_id", img.TenantID, "name", img.Name, "size_bytes", img.SizeBytes)
	return &api.RegisterImageResponse{Success: true, ImageID: img.ID}, nil
}

func (s *Service) imageDir() string {
	return filepath.Join(s.cfg.DataRoot, "images")
}

func (s *Service) blobPath(digest string) string {
	return filepath.Join(s.imageDir(), digest)
}

func (s *Service) writeBlob(digest string, data []byte) (string, error) {
	if err := os.MkdirAll(s.imageDir(), 0o755); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}
	path := s.blobPath(digest)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o755); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return path, nil
}

func imageInfo(img *store.Image) api.ImageInfo {
	return api.ImageInfo{
		ImageID:    img.ID,
		TenantID:   img.TenantID,
		Name:       img.Name,
		Digest:     img.Digest,
		SizeBytes:  img.SizeBytes,
		RunnerKind: img.RunnerKind,
		Metadata:   img.Metadata,
		CreatedAt:  img.CreatedAt,
	}
}
