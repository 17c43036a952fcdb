// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Run runs the agent until the context is cancelled.
func (app *App) Run(ctx context.Context) error {
	if app.server != nil {
		if err := app.server.Start(); err != nil {
			return fmt.Errorf("failed to start the external metrics server: %w", err)
		}
		defer func() {
			if err := app.server.Shutdown(); err != nil {
				app.logger.Warnf("Error while shutting down the external metrics server: %v", err)
			}
		}()
	} else {
		app.logger.Info("External metrics ingestion is disabled")
	}

	expositionErr := make(chan error, 1)
	go func() {
		app.logger.Infof("Exposition listening on %s", app.exposition.Addr)
		if err := app.exposition.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			expositionErr <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.exposition.Shutdown(shutdownCtx); err != nil {
			app.logger.Warnf("Error while shutting down the exposition server: %v", err)
		}
	}()

	select {
	case <-ctx.Done():
		app.logger.Info("Received a signal, exiting...")
		return nil
	case err := <-expositionErr:
		return fmt.Errorf("exposition server failed: %w", err)
	}
}
