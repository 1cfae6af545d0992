package config

import "github.com/signalnine/sweep/internal/metrics"

// Default returns the configuration of the tiny-COCO YOLO study.
func Default() *Config {
	return &Config{
		Study: Study{
			Name:      "cv_yolo_tiny_optuna",
			Prefix:    "optuna_yolo",
			Trials:    5,
			Direction: "maximize",
			Sampler:   "random",
		},
		Search: []Param{
			{Name: "epochs", Type: "int", Min: 2, Max: 5, Abbrev: "e"},
			{Name: "imgsz", Type: "categorical", Values: []any{320, 416}, Abbrev: "img"},
		},
		Training: Training{
			Mode: "subprocess",
			Command: []string{
				"python", "-m", "src.train_cv",
				"--epochs", "{epochs}",
				"--imgsz", "{imgsz}",
				"--exp-name", "{run_name}",
				"--data", "{data}",
				"--model", "{model}",
			},
			Data:        "configs/tiny_coco.yaml",
			Model:       "yolov8n.pt",
			Project:     "runs/train",
			MetricsFile: "results.csv",
		},
		Metrics: Metrics{
			Primary:     metrics.KeyMAP50,
			Secondary:   []string{metrics.KeyMAP50_95, metrics.KeyPrecision, metrics.KeyRecall},
			EmptyMarker: metrics.FinishedMarker,
		},
		Tracking: Tracking{
			Backend: "mlflow",
			Dir:     "mlruns",
			Launch: Launch{
				Host:   "127.0.0.1",
				LogDir: "logs",
			},
		},
		Dataset: Dataset{Command: []string{"dvc", "pull"}},
		Artifacts: Artifacts{
			Region:  "us-east-1",
			Bucket:  "artifacts",
			Workers: 4,
		},
		Pipeline: Pipeline{
			Experiment: "cv_yolo_tiny",
			Baseline:   Unit{Name: "zenml_yolo_tiny_baseline", Params: map[string]any{"epochs": 3, "imgsz": 320}},
			Grid: []Unit{
				{Name: "zenml_yolo_tiny_e3_320", Params: map[string]any{"epochs": 3, "imgsz": 320}},
				{Name: "zenml_yolo_tiny_e5_320", Params: map[string]any{"epochs": 5, "imgsz": 320}},
				{Name: "zenml_yolo_tiny_e3_416", Params: map[string]any{"epochs": 3, "imgsz": 416}},
				{Name: "zenml_yolo_tiny_e5_416", Params: map[string]any{"epochs": 5, "imgsz": 416}},
			},
		},
		Results: Results{Dir: "results"},
	}
}
