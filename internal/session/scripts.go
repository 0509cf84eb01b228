package session

// Page scripts evaluated in the chat application. Each one is a self-invoking
// expression returning a JSON-serializable value.

const inputSelectorsJS = `[
  '[contenteditable="true"]',
  'textarea[placeholder*="Ask"]',
  'textarea[placeholder*="Search"]',
  'textarea[placeholder*="¿Qué"]',
  'textarea',
  'input[type="text"]'
]`

const inputLookupJS = `(document.querySelector('[contenteditable="true"]') ||
  document.querySelector('textarea') ||
  document.querySelector('input[type="text"]'))`

const locationScript = `window.location.href`

const inputStateScript = `(() => {
  const selectors = ` + inputSelectorsJS + `;
  let sel = null;
  let visible = false;
  for (const s of selectors) {
    const el = document.querySelector(s);
    if (!el) continue;
    const r = el.getBoundingClientRect();
    const style = window.getComputedStyle(el);
    if (r.width > 0 && r.height > 0 && style.visibility !== 'hidden' && style.display !== 'none') {
      sel = s;
      visible = true;
      break;
    }
  }
  return { url: window.location.href, ready: document.readyState, sel, visible };
})()`

const clearInputScript = `(() => {
  const ce = document.querySelector('[contenteditable="true"]');
  if (ce) {
    ce.focus();
    document.execCommand('selectAll', false, null);
    document.execCommand('insertText', false, '');
    return true;
  }
  const field = document.querySelector('textarea') || document.querySelector('input[type="text"]');
  if (field) {
    field.focus();
    field.value = '';
    field.dispatchEvent(new Event('input', { bubbles: true }));
    return true;
  }
  return false;
})()`

// typeTextScript is formatted with the JSON-encoded prompt.
const typeTextScript = `(() => {
  const prompt = %s;
  const selectors = ` + inputSelectorsJS + `;
  let target = null;
  for (const s of selectors) {
    const el = document.querySelector(s);
    if (!el) continue;
    const r = el.getBoundingClientRect();
    if (r.width <= 0 || r.height <= 0) continue;
    target = el;
    break;
  }
  if (!target) return { found: false, ok: false };

  target.focus();
  if (target.getAttribute && target.getAttribute('contenteditable') === 'true') {
    try {
      document.execCommand('selectAll', false, null);
      document.execCommand('insertText', false, prompt);
    } catch (e) {
      target.innerText = prompt;
      target.dispatchEvent(new InputEvent('input', { bubbles: true, inputType: 'insertText', data: prompt }));
    }
  } else {
    target.value = prompt;
    target.dispatchEvent(new Event('input', { bubbles: true }));
  }

  const filled = (el, prop) => !!(el && el[prop] && el[prop].trim().length > 0);
  const ok = filled(document.querySelector('[contenteditable="true"]'), 'innerText') ||
    filled(document.querySelector('textarea'), 'value') ||
    filled(document.querySelector('input[type="text"]'), 'value');
  return { found: true, ok };
})()`

const pressEnterScript = `(() => {
  const el = ` + inputLookupJS + `;
  if (!el) return false;
  el.focus();
  const opts = { key: 'Enter', code: 'Enter', keyCode: 13, which: 13, bubbles: true, cancelable: true };
  el.dispatchEvent(new KeyboardEvent('keydown', opts));
  el.dispatchEvent(new KeyboardEvent('keyup', opts));
  return true;
})()`

const submittedScript = `(() => {
  const ce = document.querySelector('[contenteditable="true"]');
  if (ce && ce.innerText.trim().length < 5) return true;
  const spinning = document.querySelector('[class*="animate-spin"], [class*="animate-pulse"]') !== null;
  const thinking = !!(document.body && document.body.innerText.includes('Thinking'));
  return spinning || thinking;
})()`

const submitButtonsJS = `[
  'button[aria-label*="Submit"]',
  'button[aria-label*="Send"]',
  'button[aria-label*="Ask"]',
  'button[type="submit"]'
]`

const clickSubmitScript = `(() => {
  for (const sel of ` + submitButtonsJS + `) {
    const btn = document.querySelector(sel);
    if (btn && !btn.disabled && btn.offsetParent !== null) {
      btn.click();
      return true;
    }
  }
  const input = ` + inputLookupJS + `;
  if (!input) return false;
  const skipAria = ['search', 'research', 'labs', 'learn', 'attach', 'voice', 'menu', 'more'];
  const skipText = ['attach', 'voice'];
  const candidates = [];
  let parent = input.parentElement;
  for (let depth = 0; depth < 6 && parent; depth++) {
    for (const btn of parent.querySelectorAll('button')) {
      if (btn.disabled || btn.offsetParent === null) continue;
      const rect = btn.getBoundingClientRect();
      if (rect.width <= 0 || rect.height <= 0) continue;
      const aria = (btn.getAttribute('aria-label') || '').toLowerCase();
      const text = (btn.innerText || '').toLowerCase();
      if (skipAria.some(w => aria.includes(w)) || skipText.some(w => text.includes(w))) continue;
      candidates.push({ btn, right: rect.right });
    }
    parent = parent.parentElement;
  }
  if (!candidates.length) return false;
  candidates.sort((a, b) => b.right - a.right);
  candidates[0].btn.click();
  return true;
})()`

const dispatchSubmitScript = `(() => {
  const form = document.querySelector('form');
  if (!form) return false;
  form.dispatchEvent(new Event('submit', { bubbles: true, cancelable: true }));
  return true;
})()`

const retryMatchJS = `(btn) => {
  const t = ((btn.innerText || '') + ' ' + (btn.getAttribute('aria-label') || '')).toLowerCase();
  return ['try again', 'retry', 'regenerate', 'reintentar', 'intentar de nuevo', 'regenerar'].some(w => t.includes(w));
}`

const clickRetryScript = `(() => {
  const isRetry = ` + retryMatchJS + `;
  for (const btn of document.querySelectorAll('button')) {
    if (btn.offsetParent === null || btn.disabled) continue;
    if (isRetry(btn)) {
      btn.click();
      return true;
    }
  }
  return false;
})()`

const resubmitScript = `(() => {
  const el = ` + inputLookupJS + `;
  if (!el) return false;
  el.focus();
  const opts = { key: 'Enter', code: 'Enter', keyCode: 13, which: 13, bubbles: true, cancelable: true };
  el.dispatchEvent(new KeyboardEvent('keydown', opts));
  el.dispatchEvent(new KeyboardEvent('keyup', opts));
  for (const sel of ` + submitButtonsJS + `) {
    const btn = document.querySelector(sel);
    if (btn && !btn.disabled && btn.offsetParent !== null) {
      btn.click();
      break;
    }
  }
  return true;
})()`

const statusScript = `(() => {
  const bodyText = (document.body && document.body.innerText) || '';
  const main = document.querySelector('main') || document.querySelector('[role="main"]') || document.body;
  const mainText = (main && main.innerText) || bodyText;
  const tail = mainText.slice(-2500);
  const visible = (btn) => btn.offsetParent !== null && !btn.disabled;

  let hasStopButton = false;
  for (const btn of document.querySelectorAll('button')) {
    const aria = (btn.getAttribute('aria-label') || '').toLowerCase();
    const title = (btn.getAttribute('title') || '').toLowerCase();
    const testid = (btn.getAttribute('data-testid') || '').toLowerCase();
    const text = (btn.innerText || '').toLowerCase().trim();
    const words = ['stop', 'cancel', 'detener', 'cancelar'];
    const stop = words.some(w => aria.includes(w) || title.includes(w)) ||
      testid.includes('stop') ||
      words.includes(text) ||
      btn.querySelector('svg rect') !== null;
    if (stop && visible(btn)) { hasStopButton = true; break; }
  }

  const hasLoading =
    document.querySelector('[class*="animate-spin"], [class*="animate-pulse"], [class*="loading"], [class*="thinking"]') !== null ||
    /\b(thinking|searching|researching|analyzing|loading)\b/i.test(bodyText) ||
    /\b(pensando|buscando|investigando|analizando|cargando)\b/i.test(bodyText);

  const followupMarkers = [
    'Ask a follow-up', 'Ask follow-up', 'Ask anything', 'Type a message', 'Add details',
    'Preguntar algo', 'Pregunta algo', 'Escribe un mensaje', 'Añadir detalles', 'Agregar detalles', 'Pregunta de seguimiento'
  ];
  const hasFollowup = followupMarkers.some(m => bodyText.includes(m));

  let errorType = '';
  let errorText = '';
  if (/respuesta omitida|(response|answer|output) omitted/i.test(tail)) {
    errorType = 'omitted';
    errorText = 'response omitted';
  } else if (/something went wrong/i.test(tail) || /network error/i.test(tail) ||
             (/error/i.test(tail) && /try again|retry/i.test(tail))) {
    errorType = 'retryable_error';
    errorText = 'something went wrong';
  }

  let hasRetryButton = false;
  if (errorType) {
    const isRetry = ` + retryMatchJS + `;
    for (const btn of document.querySelectorAll('button')) {
      if (visible(btn) && isRetry(btn)) { hasRetryButton = true; break; }
    }
  }

  let status = (hasStopButton || hasLoading) ? 'working' : 'idle';

  const endMarkers = [
    'Ask anything', 'Ask a follow-up', 'Ask follow-up', 'Add details', 'Type a message',
    'Preguntar algo', 'Escribe un mensaje', 'Añadir detalles', 'Agregar detalles', 'Pregunta de seguimiento'
  ];
  const after = (marker) => {
    const idx = bodyText.indexOf(marker);
    if (idx === -1) return '';
    let rest = bodyText.substring(idx + marker.length).trim().replace(/^[>›→\s]+/, '').trim();
    let end = rest.length;
    for (const m of endMarkers) {
      const at = rest.indexOf(m);
      if (at !== -1 && at < end) end = at;
    }
    return rest.substring(0, end).trim();
  };

  let response = '';
  const steps = bodyText.match(/\d+\s+(steps?|pasos?)\s+(completed|completad[oa]s?)/i);
  if (steps) response = after(steps[0]);
  if (!response || response.length < 80) {
    const sources = bodyText.match(/Reviewed\s+\d+\s+sources?/i);
    if (sources) response = after(sources[0]);
  }

  if (!response || response.length < 120) {
    const blocks = [];
    for (const sel of ['[class*="prose"]', '[class*="Prose"]', '[class*="markdown"]', '[class*="Markdown"]',
                       '[data-testid*="answer"]', '[class*="answer"]']) {
      try { blocks.push(...main.querySelectorAll(sel)); } catch (e) {}
    }
    const chrome = ['Library', 'Discover', 'Spaces', 'Finance', 'Account', 'Upgrade', 'Home', 'Search'];
    const texts = [...new Set(blocks)]
      .filter(el => !el.closest('nav, aside, header, footer, form, [contenteditable]'))
      .map(el => (el.innerText || '').trim())
      .filter(t => t.length > 10 && !chrome.some(s => t.startsWith(s)));
    if (texts.length) response = texts.slice(-12).join('\n\n');
  }
  if ((!response || response.length < 120) && mainText) {
    response = mainText.trim();
  }

  if (response) {
    response = response
      .replace(/View All/gi, '')
      .replace(/Show more/gi, '')
      .replace(/Ask a follow-up/gi, '')
      .replace(/Ask anything\.*/gi, '')
      .replace(/Type a message\.*/gi, '')
      .replace(/Add details\.*/gi, '')
      .replace(/\n{3,}/g, '\n\n')
      .trim();
  }

  const stepList = ['Preparing', 'Navigating', 'Clicking', 'Scrolling', 'Reading', 'Extracting', 'Answering']
    .filter(s => bodyText.includes(s));

  if (!errorType && !hasStopButton && !hasLoading && response.length > 120 && hasFollowup) status = 'completed';

  return {
    status,
    steps: stepList,
    currentStep: stepList.length ? stepList[stepList.length - 1] : '',
    response,
    hasStopButton,
    hasLoading,
    hasFollowup,
    errorType,
    errorText,
    hasRetryButton
  };
})()`
