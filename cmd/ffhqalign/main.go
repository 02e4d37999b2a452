package main

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
	ffhq "github.com/okieraised/go-ffhq-alignment"
	"github.com/okieraised/go-ffhq-alignment/config"
	"github.com/okieraised/go-ffhq-alignment/logger"
	"github.com/okieraised/go-ffhq-alignment/modules"
	"github.com/okieraised/go-ffhq-alignment/utils"
	gotritonclient "github.com/okieraised/go-triton-client"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gocv.io/x/gocv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}

var (
	rootCmd = &cobra.Command{
		Use:   "ffhqalign",
		Short: "Crop and align faces the FFHQ way",
	}
	alignCmd = &cobra.Command{
		Use:   "align",
		Short: "Align every face of an image or a directory of images",
		Long: `Align reads landmarks either from JSON sidecars (--landmarks) or from the
detection and landmark models served by Triton, and writes <name>_<k>.png
plus <name>_<k>.json holding the crop quad normalized by the image width.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlign(cmd)
		},
	}

	inputPath     string
	outputDir     string
	landmarksPath string
	tritonURL     string
	workers       int
	logLevel      string
	noPadding     bool
	keepLargest   bool
	keepCenter    bool
	minEyeDist    float32
	retryPadding  bool
)

var imageExts = []string{".jpg", ".jpeg", ".png", ".bmp", ".webp", ".tif", ".tiff"}

func init() {
	alignCmd.Flags().StringVarP(&inputPath, "input", "i", "", "input image or directory")
	alignCmd.Flags().StringVarP(&outputDir, "output", "o", "./aligned", "output directory")
	alignCmd.Flags().StringVarP(&landmarksPath, "landmarks", "l", "", "landmark JSON file, or a directory of <name>.json sidecars")
	alignCmd.Flags().StringVar(&tritonURL, "triton", "", "Triton gRPC address (overrides FFHQ_TRITON_URL)")
	alignCmd.Flags().IntVarP(&workers, "workers", "w", 0, "images aligned concurrently (overrides FFHQ_WORKERS)")
	alignCmd.Flags().StringVar(&logLevel, "log-level", "", "log level (overrides FFHQ_LOG_LEVEL)")
	alignCmd.Flags().BoolVar(&noPadding, "no-padding", false, "disable reflect padding of faces near the border")
	alignCmd.Flags().BoolVar(&keepLargest, "largest", false, "Triton only: keep the largest detected face")
	alignCmd.Flags().BoolVar(&keepCenter, "center", false, "Triton only: keep the face closest to the image center")
	alignCmd.Flags().Float32Var(&minEyeDist, "min-eye-distance", 0, "Triton only: drop faces whose eyes are closer than this, in pixels")
	alignCmd.Flags().BoolVar(&retryPadding, "retry-padding", false, "Triton only: retry detection on a padded copy when no face is found")
	_ = alignCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(alignCmd)
}

func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

// applyFlags overrides environment settings with the flags given on the command line.
func applyFlags(cmd *cobra.Command, s *config.Settings) error {
	if cmd.Flags().Changed("triton") {
		s.TritonURL = tritonURL
	}
	if cmd.Flags().Changed("workers") {
		s.Workers = workers
	}
	if cmd.Flags().Changed("log-level") {
		s.LogLevel = logLevel
	}
	if cmd.Flags().Changed("largest") {
		s.KeepLargest = keepLargest
	}
	if cmd.Flags().Changed("center") {
		s.KeepCenter = keepCenter
	}
	if cmd.Flags().Changed("min-eye-distance") {
		s.MinEyeDistance = minEyeDist
	}
	if cmd.Flags().Changed("retry-padding") {
		s.RetryPadding = retryPadding
	}
	return s.Validate()
}

// tritonParams builds the landmark provider configuration from the settings.
func tritonParams(s *config.Settings) *ffhq.TritonParams {
	return &ffhq.TritonParams{
		Detection: s.DetectionParams(),
		Landmark:  s.LandmarkParams(),
		Selection: &modules.FaceSelection{
			KeepLargest:          s.KeepLargest,
			KeepCenter:           s.KeepCenter,
			EyeDistanceThreshold: s.MinEyeDistance,
			TryPadding:           s.RetryPadding,
		},
	}
}

func runAlign(cmd *cobra.Command) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	settings, err := config.LoadSettings()
	if err != nil {
		return err
	}
	if err = applyFlags(cmd, settings); err != nil {
		return err
	}
	base, err := logger.NewLogger(settings.LogLevel, settings.LogFile)
	if err != nil {
		return err
	}
	log := base.WithField("run", uuid.NewString())

	inputs, err := collectInputs(inputPath)
	if err != nil {
		return err
	}
	log.WithFields(logger.Fields{"images": len(inputs), "output": outputDir}).Info("starting alignment")

	params := settings.AlignParams()
	params.EnablePadding = !noPadding

	var faces int
	if landmarksPath != "" {
		faces, err = alignWithSidecars(inputs, params, log)
	} else {
		faces, err = alignWithTriton(cmd.Context(), inputs, settings, params, log)
	}
	if err != nil {
		return err
	}
	log.WithFields(logger.Fields{"faces": faces}).Info("done")
	return nil
}

// collectInputs returns fPath itself, or the images directly inside it when
// it is a directory.
func collectInputs(fPath string) ([]string, error) {
	info, err := os.Stat(fPath)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{fPath}, nil
	}
	entries, err := os.ReadDir(fPath)
	if err != nil {
		return nil, err
	}
	inputs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !slices.Contains(imageExts, strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}
		inputs = append(inputs, filepath.Join(fPath, e.Name()))
	}
	return inputs, nil
}

func baseName(fPath string) string {
	base := filepath.Base(fPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// sidecarFor resolves the landmark file of an image.
func sidecarFor(imgPath, landmarks string) string {
	if info, err := os.Stat(landmarks); err == nil && info.IsDir() {
		return filepath.Join(landmarks, baseName(imgPath)+".json")
	}
	return landmarks
}

type faceRecord struct {
	Source string       `json:"source"`
	Face   int          `json:"face"`
	Quad   [][2]float64 `json:"quad"`
}

// writeFaces stores every successfully aligned face of src and returns how many were written.
func writeFaces(src string, faces []config.FaceAlignmentOutput, log logrus.FieldLogger) (int, error) {
	written := 0
	for _, face := range faces {
		if face.Err != nil {
			continue
		}
		name := fmt.Sprintf("%s_%d", baseName(src), face.Index)
		if err := utils.WriteImageFile(filepath.Join(outputDir, name+".png"), face.Image, 95); err != nil {
			return written, err
		}

		rec := faceRecord{Source: src, Face: face.Index, Quad: make([][2]float64, 0, len(face.Quad))}
		for _, p := range face.Quad {
			rec.Quad = append(rec.Quad, [2]float64{p.X, p.Y})
		}
		content, err := jsoniter.MarshalIndent(rec, "", "  ")
		if err != nil {
			return written, err
		}
		if err = os.WriteFile(filepath.Join(outputDir, name+".json"), content, 0o644); err != nil {
			return written, err
		}
		log.WithFields(logger.Fields{"file": name}).Debug("face written")
		written++
	}
	return written, nil
}

func closeFaces(faces []config.FaceAlignmentOutput) {
	for i := range faces {
		_ = faces[i].Close()
	}
}

func alignWithSidecars(inputs []string, params *config.FaceAlignParams, log logrus.FieldLogger) (int, error) {
	total := 0
	for _, src := range inputs {
		entry := log.WithFields(logger.Fields{"image": src})
		provider, err := modules.LoadLandmarkFile(sidecarFor(src, landmarksPath))
		if err != nil {
			entry.WithError(err).Warn("no usable landmarks")
			continue
		}
		pipeline, err := ffhq.NewFFHQAlignPipeline(provider, params, ffhq.WithLogger(entry))
		if err != nil {
			return total, err
		}
		faces, err := pipeline.AlignFile(src)
		if err != nil {
			entry.WithError(err).Warn("image skipped")
			continue
		}
		n, err := writeFaces(src, faces, entry)
		closeFaces(faces)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func alignWithTriton(ctx context.Context, inputs []string, settings *config.Settings, params *config.FaceAlignParams, log logrus.FieldLogger) (int, error) {
	triton, err := gotritonclient.NewTritonGRPCClient(
		settings.TritonURL,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{PermitWithoutStream: true}),
	)
	if err != nil {
		return 0, err
	}
	pipeline, err := ffhq.NewTritonFFHQAlignPipeline(
		triton,
		tritonParams(settings),
		params,
		ffhq.WithLogger(log),
		ffhq.WithWorkers(settings.Workers),
	)
	if err != nil {
		return 0, err
	}

	total := 0
	for start := 0; start < len(inputs); start += settings.Workers {
		chunk := inputs[start:min(start+settings.Workers, len(inputs))]
		imgs := make([]gocv.Mat, 0, len(chunk))
		names := make([]string, 0, len(chunk))
		for _, src := range chunk {
			img, err := utils.ReadImageFile(src)
			if err != nil {
				log.WithFields(logger.Fields{"image": src}).WithError(err).Warn("image skipped")
				continue
			}
			imgs = append(imgs, *img)
			names = append(names, src)
		}

		results, err := pipeline.AlignBatch(ctx, imgs)
		for i := range imgs {
			_ = imgs[i].Close()
		}
		if err != nil {
			for i := range results {
				results[i].Close()
			}
			return total, err
		}
		for i, res := range results {
			if res.Err == nil {
				n, werr := writeFaces(names[i], res.Faces, log)
				total += n
				if werr != nil {
					res.Close()
					return total, werr
				}
			}
			res.Close()
		}
	}
	return total, nil
}
